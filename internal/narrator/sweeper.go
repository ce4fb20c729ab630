package narrator

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const defaultSweepCron = "*/5 * * * *"

// Expirer deactivates temporary characters whose TTL has passed.
type Expirer interface {
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper runs the expiry pass on a cron schedule.
type Sweeper struct {
	store Expirer
	cron  string
	log   *zap.Logger
	now   func() time.Time
}

func NewSweeper(store Expirer, cronExpr string, log *zap.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = defaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, cron: cronExpr, log: log, now: time.Now}, nil
}

// SweepOnce deactivates everything expired at now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.DeactivateExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("temporary characters expired", zap.Int64("count", n))
	}
	return n, nil
}

// Run blocks until ctx ends, sweeping at every cron tick.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			s.log.Error("sweep next tick failed", zap.String("cron", s.cron), zap.Error(err))
			next = s.now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("temporary character sweep failed", zap.Error(err))
		}
	}
}
