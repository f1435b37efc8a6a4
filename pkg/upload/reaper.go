package upload

import (
	"context"
	"time"

	"github.com/chunkd-io/chunkd/internal/logger"
)

// Reaper periodically expires stalled upload sessions. One reaper per engine
// is enough; concurrent reapers are safe but redundant, since expiry is
// serialized per session by the repository's CompareAndSwap.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	ttl      time.Duration
}

// NewReaper creates a reaper that sweeps every interval, expiring sessions
// idle longer than ttl.
func NewReaper(engine *Engine, interval, ttl time.Duration) *Reaper {
	return &Reaper{engine: engine, interval: interval, ttl: ttl}
}

// Run sweeps until ctx is cancelled. It performs one sweep immediately on
// start so restarts do not delay expiry by a full interval.
func (r *Reaper) Run(ctx context.Context) {
	logger.Info("session reaper started",
		"interval", logger.Duration(r.interval),
		"ttl", logger.Duration(r.ttl))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("session reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	expired, err := r.engine.ExpireStalled(ctx, time.Now().UTC(), r.ttl)
	if err != nil {
		logger.Error("reaper sweep failed", "error", err)
		return
	}
	if expired > 0 {
		logger.Info("reaper sweep expired sessions", "count", expired)
	}
}
