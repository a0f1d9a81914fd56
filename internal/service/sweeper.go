package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/trustcore/internal/repository"
)

// Sweeper periodically removes expired sessions. Expiry is still enforced
// lazily on lookup; the sweep only reclaims storage.
type Sweeper struct {
	sessions repository.SessionRepository
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
}

// NewSweeper constructs a Sweeper.
func NewSweeper(sessions repository.SessionRepository, interval time.Duration, log *zap.Logger) *Sweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{sessions: sessions, interval: interval, log: log, now: time.Now}
}

// SweepOnce deletes sessions that expired before now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired sessions swept", zap.Int64("count", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. A non-positive interval disables it.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("session sweep failed", zap.Error(err))
			}
		}
	}
}
