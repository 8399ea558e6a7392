package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/observability"
)

const sweepBatchSize = 100

// SessionSweeper periodically closes sessions whose deadline passed without a
// timer firing, e.g. sessions owned by a replica that went away.
type SessionSweeper struct {
	store    SessionStore
	clock    clockwork.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// NewSessionSweeper creates the sweeper worker.
func NewSessionSweeper(store SessionStore, clock clockwork.Clock, interval time.Duration, logger zerolog.Logger) *SessionSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionSweeper{
		store:    store,
		clock:    clock,
		interval: interval,
		logger:   logger.With().Str("component", "session_sweeper").Logger(),
	}
}

// Start runs the sweeper in a goroutine until ctx is cancelled.
func (s *SessionSweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *SessionSweeper) run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("session sweeper started")

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session sweeper stopped")
			return
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep closes expired sessions in batches and reports how many it closed.
func (s *SessionSweeper) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		closed, err := s.store.Sweep(ctx, sweepBatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to sweep expired sessions")
			break
		}
		total += closed
		if closed < sweepBatchSize {
			break
		}
	}

	if total > 0 {
		observability.SweptSessions().Add(float64(total))
		s.logger.Info().Int("count", total).Msg("expired sessions closed by sweeper")
	}
	return total
}
