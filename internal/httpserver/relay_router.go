package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
)

const (
	relayMaxBody     = 64 << 10
	relayRateWindow  = time.Minute
	relayCORSMaxAge  = 600
	relayUpstreamTTL = 15 * time.Second
)

// RelayOptions configures the relay router.
type RelayOptions struct {
	AllowedOrigins []string
	AllowedTargets []string
	// RateLimit is requests per client IP per minute; zero disables it.
	RateLimit int
	Counter   Counter
	// Client forwards to push services. Nil uses a client with a 15s timeout.
	// Redirects are never followed, whatever client is given.
	Client *http.Client
	Health HealthCheck
}

// NewRelayRouter builds the relay: it forwards already encrypted push
// messages to allow-listed push services on behalf of browsers.
func NewRelayRouter(opts RelayOptions, logger zerolog.Logger) http.Handler {
	r := newBaseRouter(logger, opts.Health)

	client := &http.Client{Timeout: relayUpstreamTTL}
	if opts.Client != nil {
		c := *opts.Client
		client = &c
	}
	// A redirect would reach a host the target policy never checked.
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	counter := opts.Counter
	if counter == nil {
		counter = NewMemoryCounter()
	}
	limiter := NewRateLimiter(counter, opts.RateLimit, relayRateWindow, logger)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodPost},
			AllowedHeaders:   []string{"Content-Type"},
			AllowCredentials: true,
			MaxAge:           relayCORSMaxAge,
		}))
		r.Use(limiter.Middleware)
		r.Use(MaxBodySize(relayMaxBody))

		r.Post("/push-proxy", handlePushProxy(client, NewTargetPolicy(opts.AllowedTargets), logger))
		r.Options("/push-proxy", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}
