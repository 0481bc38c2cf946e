package chunk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"pushlink/internal/domain"
	"pushlink/internal/metrics"
)

// Sweeper drops chunks of messages that never completed, and completion
// markers, once they are older than ttl.
type Sweeper struct {
	repo     domain.ChunkRepository
	ttl      time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(repo domain.ChunkRepository, ttl, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		repo:     repo,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := s.SweepOnce(ctx, now); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("chunk sweep failed")
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	n, err := s.repo.DeleteOlderThan(ctx, now.Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ChunksSwept.Add(float64(n))
		s.logger.Info().Int("removed", n).Msg("stale chunks swept")
	}
	return n, nil
}
