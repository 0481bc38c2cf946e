package httpserver

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/service"
)

func conversationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return uuid.Nil, false
	}
	return id, true
}

func handleListConversations(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := convs.List(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetConversation(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		conv, err := convs.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleDeleteConversation(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		if err := convs.Delete(r.Context(), id); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCloseConversation(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		conv, err := convs.Close(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func handleRetryConversation(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		conv, err := convs.Retry(r.Context(), id)
		switch {
		case conv != nil && errors.Is(err, service.ErrDeliveryFailed):
			writeJSON(w, http.StatusAccepted, deliveryResponse{Conversation: conv, Error: err.Error()})
		case err != nil:
			writeServiceError(w, r, logger, err)
		default:
			writeJSON(w, http.StatusOK, conv)
		}
	}
}

type foregroundRequest struct {
	Active *bool `json:"active"`
}

// handleForeground marks the conversation as on screen. {"active":false}
// clears the foreground instead.
func handleForeground(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := conversationID(w, r)
		if !ok {
			return
		}
		var req foregroundRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}
		if req.Active != nil && !*req.Active {
			id = uuid.Nil
		}

		conv, err := convs.SetForeground(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		if conv == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}
