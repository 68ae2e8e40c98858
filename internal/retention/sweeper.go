// Package retention expires stored messages older than the retention window.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-relay/internal/metrics"
)

// Purger is the slice of store.MessageStore the sweeper needs.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper purges expired messages on every tick of a cron expression.
type Sweeper struct {
	purger  Purger
	window  time.Duration
	cron    string
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
}

// NewSweeper validates cron and returns an idle sweeper.
func NewSweeper(purger Purger, window time.Duration, cron string, logger zerolog.Logger, m *metrics.Metrics) (*Sweeper, error) {
	if window <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid retention cron %q", cron)
	}
	return &Sweeper{
		purger:  purger,
		window:  window,
		cron:    cron,
		now:     time.Now,
		logger:  logger.With().Str("component", "RetentionSweeper").Logger(),
		metrics: m,
	}, nil
}

// Run blocks, sweeping on schedule until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info().Str("cron", s.cron).Dur("window", s.window).Msg("Retention sweeper started.")
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		if err != nil {
			s.logger.Error().Err(err).Msg("Could not compute next retention tick.")
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("Retention sweep failed.")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("Retention sweeper stopped.")
			return
		}
	}
}

// SweepOnce purges records created before now minus the window. A sweep
// already in progress makes this a no-op.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	cutoff := s.now().Add(-s.window)
	purged, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.metrics.RetentionPurged.Add(float64(purged))
	s.logger.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("Retention sweep complete.")
	return purged, nil
}
