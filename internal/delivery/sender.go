// Package delivery posts encrypted push messages, directly or through the
// relay, retrying transient failures.
package delivery

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pushlink/internal/metrics"
	"pushlink/internal/webpush"
)

const (
	MaxAttempts = 3

	backoffStep = 100 * time.Millisecond
	backoffMax  = 500 * time.Millisecond
	maxErrBody  = 1024
)

// RelayRequest is the JSON body accepted by POST /push-proxy.
type RelayRequest struct {
	Endpoint string            `json:"endpoint"`
	Body     string            `json:"body"`
	Headers  map[string]string `json:"headers"`
}

// StatusError is a non-2xx answer from the relay or push service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push rejected with status %d", e.Code)
	}
	return fmt.Sprintf("push rejected with status %d: %s", e.Code, e.Body)
}

// Error is returned once every attempt failed.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Backoff is the wait after the given failed attempt (1-based).
func Backoff(attempt int) time.Duration {
	return min(backoffMax, backoffStep*time.Duration(attempt))
}

type Sender struct {
	client   *http.Client
	settings SettingsProvider
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSender(client *http.Client, settings SettingsProvider, logger zerolog.Logger) *Sender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Sender{
		client:   client,
		settings: settings,
		logger:   logger.With().Str("component", "delivery").Logger(),
		sleep:    sleepContext,
	}
}

// Send posts msg, retrying up to MaxAttempts times.
func (s *Sender) Send(ctx context.Context, msg *webpush.Message) error {
	start := time.Now()
	defer func() { metrics.PushSendDuration.Observe(time.Since(start).Seconds()) }()

	settings := s.settings.DeliverySettings()
	mode := "direct"
	if settings.UseRelay {
		mode = "relay"
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		attempts = attempt
		lastErr = s.post(ctx, settings, msg)
		if lastErr == nil {
			metrics.PushAttempts.WithLabelValues(mode, "ok").Inc()
			metrics.PushDeliveries.WithLabelValues("ok").Inc()
			return nil
		}
		metrics.PushAttempts.WithLabelValues(mode, "error").Inc()

		if ctx.Err() != nil {
			break
		}
		if attempt < MaxAttempts {
			wait := Backoff(attempt)
			s.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Str("mode", mode).
				Msg("push send failed, retrying")
			if err := s.sleep(ctx, wait); err != nil {
				break
			}
		}
	}

	metrics.PushDeliveries.WithLabelValues("error").Inc()
	return &Error{Attempts: attempts, Err: lastErr}
}

func (s *Sender) post(ctx context.Context, settings Settings, msg *webpush.Message) error {
	req, err := buildRequest(ctx, settings, msg)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func buildRequest(ctx context.Context, settings Settings, msg *webpush.Message) (*http.Request, error) {
	if settings.UseRelay {
		payload, err := json.Marshal(RelayRequest{
			Endpoint: msg.Endpoint,
			Body:     base64.RawURLEncoding.EncodeToString(msg.Body),
			Headers:  msg.Headers,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal relay request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, settings.RelayURL, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("build relay request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Endpoint, bytes.NewReader(msg.Body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	return req, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
