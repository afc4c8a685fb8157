package lifecycle

import (
	"context"
	"time"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"k8s.io/utils/clock"
)

// Reaper stops sandboxes that have been idle longer than the threshold and
// keeps retrying teardowns that failed earlier.
type Reaper struct {
	manager  *Manager
	idle     time.Duration
	interval time.Duration
	clock    clock.Clock
}

func NewReaper(m *Manager, idle, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{manager: m, idle: idle, interval: interval, clock: m.clock}
}

type reapCandidate struct {
	id    string
	retry bool
}

// RunOnce performs one scan and returns the number of sandboxes it stopped.
func (r *Reaper) RunOnce(ctx context.Context) int {
	logger := logx.LoggerWithRequestID(ctx).With("component", "idle_reaper")
	now := r.clock.Now()

	var candidates []reapCandidate
	r.manager.mu.RLock()
	for id, sb := range r.manager.sandboxes {
		switch {
		case sb.state == model.StateRunning && r.idle > 0 && now.Sub(sb.lastActivity) > r.idle:
			candidates = append(candidates, reapCandidate{id: id})
		case sb.state == model.StateStopping, sb.state == model.StateFailed && sb.dirty:
			candidates = append(candidates, reapCandidate{id: id, retry: true})
		}
	}
	r.manager.mu.RUnlock()

	reaped := 0
	for _, c := range candidates {
		reason := "idle timeout"
		cond := func(sb *sandbox) bool {
			return sb.state == model.StateRunning && r.clock.Now().Sub(sb.lastActivity) > r.idle
		}
		if c.retry {
			reason = "teardown retry"
			cond = func(sb *sandbox) bool {
				return sb.state == model.StateStopping || (sb.state == model.StateFailed && sb.dirty)
			}
		}
		stopped, err := r.manager.end(ctx, c.id, SourceReaper, reason, cond)
		if err != nil {
			logger.Warn("reaper failed to stop sandbox", "sandbox_id", c.id, "error", err)
			continue
		}
		if stopped {
			reaped++
			r.manager.opts.Metrics.Reap()
			logger.Info("reaper stopped sandbox", "sandbox_id", c.id, "reason", reason)
		}
	}
	return reaped
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.RunOnce(logx.WithRequestID(ctx, logx.NewJobID()))
		}
	}
}
