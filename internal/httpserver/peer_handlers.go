package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"pushlink/internal/delivery"
	"pushlink/internal/domain"
	"pushlink/internal/service"
	"pushlink/internal/webpush"
)

// handlePush is the endpoint remote peers deliver encrypted pushes to.
func handlePush(d PeerDeps, logger zerolog.Logger) http.HandlerFunc {
	logger = logger.With().Str("component", "push").Logger()
	audience, err := webpush.Origin(d.PublicURL)
	if err != nil {
		logger.Error().Err(err).Str("public_url", d.PublicURL).Msg("push audience unavailable")
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := webpush.VerifyVAPID(r.Header.Get("Authorization"), r.Header.Get("Crypto-Key"), audience, d.Now()); err != nil {
			logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("push refused")
			writeError(w, http.StatusUnauthorized, "invalid vapid authorization")
			return
		}
		if enc := r.Header.Get("Content-Encoding"); enc != "" && enc != "aes128gcm" {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported content encoding")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "push body too large")
			return
		}
		if err := d.Inbound.HandlePush(r.Context(), body); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

type identityResponse struct {
	PeerID         string `json:"peerId"`
	Endpoint       string `json:"endpoint"`
	VAPIDPublicKey string `json:"vapidPublicKey"`
	P256dh         string `json:"p256dh"`
	Auth           string `json:"auth"`
}

func handleIdentity(ids *service.IdentityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := ids.Identity()
		if id == nil {
			writeError(w, http.StatusServiceUnavailable, "identity not loaded")
			return
		}
		writeJSON(w, http.StatusOK, identityResponse{
			PeerID:         id.PeerID.String(),
			Endpoint:       id.Endpoint,
			VAPIDPublicKey: id.VAPIDPublic,
			P256dh:         id.PushP256dh,
			Auth:           id.PushAuth,
		})
	}
}

func handleGetDeliverySettings(settings *delivery.SettingsStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, settings.DeliverySettings())
	}
}

func handlePutDeliverySettings(settings *delivery.SettingsStore, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req delivery.Settings
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := settings.Update(req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.Info().Bool("use_relay", req.UseRelay).Str("relay_url", req.RelayURL).Msg("delivery settings updated")
		writeJSON(w, http.StatusOK, settings.DeliverySettings())
	}
}

type sessionResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	JoinToken    string               `json:"joinToken"`
	JoinURL      string               `json:"joinUrl"`
}

func handleCreateSession(convs *service.ConversationService, publicURL string, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, link, err := convs.CreateSession(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		token, err := domain.EncodeJoinLink(link)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		joinURL, err := domain.JoinURL(publicURL, link)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, sessionResponse{Conversation: conv, JoinToken: token, JoinURL: joinURL})
	}
}

type joinRequest struct {
	// Link is a bare join token or a URL carrying ?join=.
	Link string `json:"link"`
}

// deliveryResponse is returned when the state change was stored but the push
// to the remote did not go out.
type deliveryResponse struct {
	Conversation *domain.Conversation `json:"conversation,omitempty"`
	Message      *domain.Message      `json:"message,omitempty"`
	Error        string               `json:"error"`
}

func handleJoin(convs *service.ConversationService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		link, err := domain.DecodeJoinLink(req.Link)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		conv, err := convs.Join(r.Context(), link)
		switch {
		case conv != nil && errors.Is(err, service.ErrDeliveryFailed):
			writeJSON(w, http.StatusAccepted, deliveryResponse{Conversation: conv, Error: err.Error()})
		case err != nil:
			writeServiceError(w, r, logger, err)
		default:
			writeJSON(w, http.StatusCreated, conv)
		}
	}
}
