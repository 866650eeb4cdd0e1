package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultSweepInterval = 30 * time.Second

// Janitor evicts expired sessions on a ticker so members are told about
// expiry even when they never write again.
type Janitor struct {
	store    Store
	interval time.Duration
	onExpire func(ctx context.Context, s *Session)
	logger   *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewJanitor(store Store, interval time.Duration, onExpire func(context.Context, *Session), logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		store:    store,
		interval: interval,
		onExpire: onExpire,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (j *Janitor) Start() {
	j.wg.Go(func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-j.ctx.Done():
				return
			case <-ticker.C:
				j.Sweep(j.ctx)
			}
		}
	})
}

// Sweep runs one eviction pass and returns how many sessions expired.
func (j *Janitor) Sweep(ctx context.Context) int {
	expired, err := j.store.Sweep(ctx, j.now())
	if err != nil {
		j.logger.Error("failed to sweep sessions", zap.Error(err))
		return 0
	}
	for _, s := range expired {
		j.logger.Info("session expired",
			zap.Stringer("key", s.Key),
			zap.String("state", string(s.State)),
		)
		if j.onExpire != nil {
			j.onExpire(ctx, s)
		}
	}
	return len(expired)
}

func (j *Janitor) Shutdown() {
	j.cancel()
	j.wg.Wait()
}
