package httpserver

import (
	"context"
	"net/http"
	"strings"

	"pushlink/internal/ws"
)

type contextKey string

const subjectContextKey contextKey = "apiSubject"

// WithSubject returns a new context carrying the authenticated token subject.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey, subject)
}

// Subject extracts the token subject from context, if any.
func Subject(r *http.Request) string {
	s, _ := r.Context().Value(subjectContextKey).(string)
	return s
}

// AuthMiddleware validates the Bearer token and attaches its subject to the context.
func AuthMiddleware(tokens ws.TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if len(authHeader) < len("bearer ") || !strings.EqualFold(authHeader[:len("bearer ")], "bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}

			sub, err := tokens.Parse(strings.TrimSpace(authHeader[len("bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), sub)))
		})
	}
}
