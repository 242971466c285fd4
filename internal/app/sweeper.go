package app

import (
	"context"
	"time"

	"github.com/dkeye/watchparty/internal/core"
	"github.com/dkeye/watchparty/internal/domain"
	"github.com/rs/zerolog/log"
)

// Sweeper periodically deletes rooms that stayed empty past the grace window
// or outlived MaxAge.
type Sweeper struct {
	Store    core.RoomStore
	Interval time.Duration
	Grace    time.Duration
	MaxAge   time.Duration
	// OnDeleted is called for every room removed by a sweep.
	OnDeleted func(domain.RoomID)
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged and retried next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.RunOnce(ctx)

	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.sweeper").Msg("sweeper stopped")
			return nil
		case <-t.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Sweeper) RunOnce(ctx context.Context) []domain.RoomID {
	deleted, err := s.Store.SweepEmpty(ctx, s.Grace, s.MaxAge)
	if err != nil {
		log.Error().Err(err).Str("module", "app.sweeper").Msg("sweep failed")
	}
	for _, id := range deleted {
		if s.OnDeleted != nil {
			s.OnDeleted(id)
		}
	}
	if len(deleted) > 0 {
		log.Info().Str("module", "app.sweeper").Int("deleted", len(deleted)).Msg("swept rooms")
	}
	return deleted
}
