package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"pushlink/internal/delivery"
	"pushlink/internal/security"
	"pushlink/internal/service"
	"pushlink/internal/ws"
)

const (
	pushMaxBody = 8 << 10
	apiMaxBody  = 1 << 20
)

// PeerDeps is everything the peer router serves.
type PeerDeps struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Inbound       *service.InboundService
	Identity      *service.IdentityService
	Settings      *delivery.SettingsStore
	Hub           *ws.Hub
	Tokens        *security.TokenService

	// PublicURL is where remote peers reach this process. Its origin is the
	// audience incoming VAPID tokens must name.
	PublicURL   string
	CORSOrigins []string
	Health      HealthCheck
	Now         func() time.Time
}

// NewPeerRouter constructs the peer HTTP surface: the push endpoint remote
// peers post to, the local management API and the activity feed.
func NewPeerRouter(d PeerDeps, logger zerolog.Logger) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	r := newBaseRouter(logger, d.Health)

	r.With(MaxBodySize(pushMaxBody)).Post("/push", handlePush(d, logger))

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(MaxBodySize(apiMaxBody))
		r.Use(AuthMiddleware(d.Tokens))

		r.Get("/identity", handleIdentity(d.Identity))
		r.Get("/settings/delivery", handleGetDeliverySettings(d.Settings))
		r.Put("/settings/delivery", handlePutDeliverySettings(d.Settings, logger))

		r.Post("/sessions", handleCreateSession(d.Conversations, d.PublicURL, logger))
		r.Post("/join", handleJoin(d.Conversations, logger))

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", handleListConversations(d.Conversations, logger))
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", handleGetConversation(d.Conversations, logger))
				r.Delete("/", handleDeleteConversation(d.Conversations, logger))
				r.Post("/close", handleCloseConversation(d.Conversations, logger))
				r.Post("/retry", handleRetryConversation(d.Conversations, logger))
				r.Post("/foreground", handleForeground(d.Conversations, logger))

				r.Get("/messages", handleListMessages(d.Messages, logger))
				r.Post("/messages", handleSendMessage(d.Messages, logger))
				r.Delete("/messages/{messageID}", handleDeleteMessage(d.Messages, logger))
			})
		})
	})

	r.Get("/ws", ws.MakeHandler(d.Hub, d.Tokens, d.Conversations, d.CORSOrigins, logger))

	return r
}
