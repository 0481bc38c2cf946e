package chunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/keylock"
	"pushlink/internal/metrics"
)

// Dispatcher receives every fully reassembled payload exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender uuid.UUID, p domain.Payload) error
}

// Reporter is told about reconstructed payloads that had to be dropped.
type Reporter interface {
	ReportMalformed(ctx context.Context, sender uuid.UUID, reason string)
}

type Reassembler struct {
	repo       domain.ChunkRepository
	locks      *keylock.Locker
	dispatcher Dispatcher
	reporter   Reporter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewReassembler(repo domain.ChunkRepository, dispatcher Dispatcher, reporter Reporter, logger zerolog.Logger) *Reassembler {
	return &Reassembler{
		repo:       repo,
		locks:      keylock.New(),
		dispatcher: dispatcher,
		reporter:   reporter,
		logger:     logger.With().Str("component", "reassembler").Logger(),
		now:        time.Now,
	}
}

// Accept stores c and, once every index of its message is present, decodes
// and dispatches the full payload. Chunks for an already completed message
// are dropped.
func (r *Reassembler) Accept(ctx context.Context, c domain.Chunk) error {
	if err := c.Validate(); err != nil {
		metrics.ChunksReceived.WithLabelValues("rejected").Inc()
		return err
	}

	full, done, err := r.store(ctx, c)
	if err != nil || !done {
		return err
	}
	metrics.MessagesReassembled.Inc()

	if !json.Valid([]byte(full)) {
		r.malformed(ctx, c.SenderID, c.FullMessageID, "json", domain.ErrMalformedPayload)
		return nil
	}
	p, err := domain.DecodePayload([]byte(full))
	if err == nil {
		if _, nested := p.(domain.Chunk); nested {
			err = fmt.Errorf("%w: chunk inside chunk", domain.ErrMalformedPayload)
		}
	}
	if err != nil {
		reason := "shape"
		if errors.Is(err, domain.ErrUnknownPayload) {
			reason = "unknown_type"
		}
		r.malformed(ctx, c.SenderID, c.FullMessageID, reason, err)
		return nil
	}

	return r.dispatcher.Dispatch(ctx, c.SenderID, p)
}

// store persists c under the message lock and returns the joined data when
// the message is complete.
func (r *Reassembler) store(ctx context.Context, c domain.Chunk) (string, bool, error) {
	unlock := r.locks.Lock(fmt.Sprintf("%s/%d", c.SenderID, c.FullMessageID))
	defer unlock()

	complete, err := r.repo.IsComplete(ctx, c.SenderID, c.FullMessageID)
	if err != nil {
		return "", false, err
	}
	if complete {
		metrics.ChunksReceived.WithLabelValues("duplicate").Inc()
		r.logger.Debug().
			Str("sender", c.SenderID.String()).
			Uint32("full_message_id", c.FullMessageID).
			Uint32("index", c.Index).
			Msg("chunk for completed message dropped")
		return "", false, nil
	}

	now := r.now()
	if err := r.repo.Add(ctx, c, now); err != nil {
		return "", false, err
	}
	metrics.ChunksReceived.WithLabelValues("stored").Inc()

	stored, err := r.repo.ListForMessage(ctx, c.SenderID, c.FullMessageID)
	if err != nil {
		return "", false, err
	}

	parts := make(map[uint32]string, c.Total)
	for _, s := range stored {
		sc := s.Chunk
		if sc.Total != c.Total || sc.Index >= c.Total {
			continue
		}
		if _, seen := parts[sc.Index]; !seen {
			parts[sc.Index] = sc.Data
		}
	}
	if uint32(len(parts)) < c.Total {
		return "", false, nil
	}

	var b strings.Builder
	for i := uint32(0); i < c.Total; i++ {
		b.WriteString(parts[i])
	}

	if _, err := r.repo.DeleteForMessage(ctx, c.SenderID, c.FullMessageID); err != nil {
		return "", false, err
	}
	if err := r.repo.MarkComplete(ctx, c.SenderID, c.FullMessageID, now); err != nil {
		return "", false, err
	}
	return b.String(), true, nil
}

func (r *Reassembler) malformed(ctx context.Context, sender uuid.UUID, fullID uint32, reason string, err error) {
	metrics.ReassemblyFailures.WithLabelValues(reason).Inc()
	r.logger.Warn().
		Err(err).
		Str("sender", sender.String()).
		Uint32("full_message_id", fullID).
		Str("reason", reason).
		Msg("reassembled payload dropped")
	if r.reporter != nil {
		r.reporter.ReportMalformed(ctx, sender, reason)
	}
}
