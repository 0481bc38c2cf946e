package httpserver

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"pushlink/internal/delivery"
	"pushlink/internal/metrics"
)

// forwardedHeaders are the request headers a push service cares about.
// Anything else in the relay request is dropped.
var forwardedHeaders = map[string]struct{}{
	"authorization":    {},
	"content-encoding": {},
	"content-type":     {},
	"crypto-key":       {},
	"encryption":       {},
	"ttl":              {},
	"topic":            {},
	"urgency":          {},
}

type relayResult struct {
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status,omitempty"`
}

func handlePushProxy(client *http.Client, policy *TargetPolicy, logger zerolog.Logger) http.HandlerFunc {
	logger = logger.With().Str("component", "relay").Logger()

	return func(w http.ResponseWriter, r *http.Request) {
		var req delivery.RelayRequest
		if err := decodeJSON(r, &req); err != nil {
			reject(w, "invalid JSON body")
			return
		}
		if req.Endpoint == "" || req.Body == "" {
			reject(w, "endpoint and body are required")
			return
		}
		body, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(req.Body, "="))
		if err != nil {
			reject(w, "body must be base64url")
			return
		}
		if err := policy.Check(r.Context(), req.Endpoint); err != nil {
			logger.Warn().Str("endpoint", req.Endpoint).Err(err).Msg("relay target refused")
			reject(w, err.Error())
			return
		}

		status, err := forward(r, client, req.Endpoint, body, req.Headers)
		if err != nil {
			metrics.RelayRequests.WithLabelValues("upstream_error").Inc()
			logger.Warn().
				Str("endpoint", req.Endpoint).
				Int("status", status).
				Err(err).
				Msg("push service rejected relayed message")
			writeJSON(w, http.StatusInternalServerError, relayResult{Error: err.Error(), Status: status})
			return
		}

		metrics.RelayRequests.WithLabelValues("forwarded").Inc()
		writeJSON(w, http.StatusOK, relayResult{OK: true, Status: status})
	}
}

func reject(w http.ResponseWriter, msg string) {
	metrics.RelayRequests.WithLabelValues("rejected").Inc()
	writeError(w, http.StatusBadRequest, msg)
}

// forward posts body to endpoint and returns the upstream status. A non-2xx
// answer is reported as an error carrying the upstream body.
func forward(r *http.Request, client *http.Client, endpoint string, body []byte, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	for k, v := range headers {
		if _, ok := forwardedHeaders[strings.ToLower(k)]; ok {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, errors.New("push service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		text := strings.TrimSpace(string(msg))
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, errors.New(text)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
