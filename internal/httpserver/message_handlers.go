package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/service"
)

type messageCreateRequest struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType"`
}

func handleSendMessage(msgs *service.MessageService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := conversationID(w, r)
		if !ok {
			return
		}
		var req messageCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Content == "" {
			writeError(w, http.StatusBadRequest, "content is required")
			return
		}

		msg, err := msgs.Send(r.Context(), convID, req.Content, req.ContentType)
		switch {
		case msg != nil && errors.Is(err, service.ErrDeliveryFailed):
			writeJSON(w, http.StatusAccepted, deliveryResponse{Message: msg, Error: err.Error()})
		case err != nil:
			writeServiceError(w, r, logger, err)
		default:
			writeJSON(w, http.StatusCreated, msg)
		}
	}
}

func handleListMessages(msgs *service.MessageService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := conversationID(w, r)
		if !ok {
			return
		}
		list, err := msgs.List(r.Context(), convID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleDeleteMessage(msgs *service.MessageService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		convID, ok := conversationID(w, r)
		if !ok {
			return
		}
		msgID, err := uuid.Parse(chi.URLParam(r, "messageID"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid message id")
			return
		}
		if err := msgs.Delete(r.Context(), convID, msgID); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
