package chunk

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pushlink/internal/domain"
	"pushlink/internal/metrics"
	"pushlink/internal/webpush"
)

const (
	MinConcurrency = 1
	MaxConcurrency = 5
)

// Sender delivers one encrypted push message.
type Sender interface {
	Send(ctx context.Context, msg *webpush.Message) error
}

type ChunkerConfig struct {
	Concurrency int
	JitterMax   time.Duration
	TTL         int
	MaxChars    int
}

// Chunker splits a payload, encrypts every chunk separately and sends the
// chunks in bounded batches.
type Chunker struct {
	senderID uuid.UUID
	signer   *webpush.VAPIDSigner
	sender   Sender
	cfg      ChunkerConfig
	logger   zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewChunker(senderID uuid.UUID, signer *webpush.VAPIDSigner, sender Sender, cfg ChunkerConfig, logger zerolog.Logger) *Chunker {
	cfg.Concurrency = max(MinConcurrency, min(MaxConcurrency, cfg.Concurrency))
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	return &Chunker{
		senderID: senderID,
		signer:   signer,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.With().Str("component", "chunker").Logger(),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Send delivers payload to target. The first failing chunk cancels its batch
// and no later batch is started.
func (c *Chunker) Send(ctx context.Context, payload string, target webpush.Subscriber) error {
	chunks := Split(payload, c.senderID, c.cfg.MaxChars)

	for start := 0; start < len(chunks); start += c.cfg.Concurrency {
		end := min(start+c.cfg.Concurrency, len(chunks))

		g, gctx := errgroup.WithContext(ctx)
		for _, ch := range chunks[start:end] {
			g.Go(func() error {
				return c.sendChunk(gctx, ch, target)
			})
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn().
				Err(err).
				Uint32("full_message_id", chunks[0].FullMessageID).
				Int("total", len(chunks)).
				Msg("chunked send aborted")
			return err
		}
	}
	return nil
}

func (c *Chunker) sendChunk(ctx context.Context, ch domain.Chunk, target webpush.Subscriber) error {
	if c.cfg.JitterMax > 0 {
		if err := c.sleep(ctx, rand.N(c.cfg.JitterMax+1)); err != nil {
			return err
		}
	}

	body, err := domain.EncodePayload(ch)
	if err != nil {
		return err
	}
	msg, err := webpush.Encrypt(target, body, webpush.Options{
		VAPID: c.signer,
		TTL:   c.cfg.TTL,
		Now:   c.now(),
	})
	if err != nil {
		return fmt.Errorf("encrypt chunk %d/%d: %w", ch.Index+1, ch.Total, err)
	}
	if err := c.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("send chunk %d/%d: %w", ch.Index+1, ch.Total, err)
	}
	metrics.ChunksSent.Inc()
	return nil
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
