package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper is a backend that can drop its expired entries. Redis expires keys
// natively and does not implement it.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Janitor periodically sweeps expired entries in the background.
type Janitor struct {
	target   Sweeper
	interval time.Duration
}

// NewJanitor creates a janitor; a non-positive interval defaults to 10 minutes.
func NewJanitor(target Sweeper, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Janitor{target: target, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "cache.janitor"))
	log.Info("starting cache janitor", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("cache janitor stopped")
			return
		case <-ticker.C:
			j.sweep(ctx, log)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context, log *zap.Logger) {
	n, err := j.target.Sweep(ctx)
	if err != nil {
		log.Error("cache: sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Debug("cache: swept expired entries", zap.Int("removed", n))
	}
}
