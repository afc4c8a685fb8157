package lifecycle

import (
	"context"
	"fmt"
	"sort"

	"github.com/fslongjin/sandboxd/internal/ledger"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/robfig/cron/v3"
)

// DefaultMultiplier scales the observed usage peak into the new limit.
const DefaultMultiplier = 1.3

// AdjustResourceLimits sets every dimension of a running sandbox to its
// observed peak times multiplier. Dimensions without usage keep their grant.
// A rejected adjustment leaves the limits unchanged.
func (m *Manager) AdjustResourceLimits(ctx context.Context, id string, multiplier float64) (model.ComputeResources, error) {
	if multiplier == 0 {
		multiplier = DefaultMultiplier
	}
	if multiplier < 1 {
		return model.ComputeResources{}, model.NewConfigurationError("multiplier must be at least 1.0, got %g", multiplier).WithSandbox(id)
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	sb, ok := m.sandboxes[id]
	if !ok {
		m.mu.RUnlock()
		return model.ComputeResources{}, model.NewNotFoundError(id)
	}
	state := sb.state
	handle := sb.handle
	current := sb.granted
	var peak model.UsageSample
	samples := 0
	if sb.samples != nil {
		peak = sb.samples.Max()
		samples = sb.samples.Len()
	}
	m.mu.RUnlock()

	if state != model.StateRunning {
		return model.ComputeResources{}, model.NewSandboxNotStartedError("sandbox is %s", state).WithSandbox(id)
	}
	if samples == 0 {
		m.opts.Metrics.Adjust("no_samples")
		return current, model.NewResourceError("no usage samples recorded yet").WithSandbox(id)
	}

	target := current
	for _, d := range model.Dimensions {
		if v := peak.Get(d); v > 0 {
			target.Set(d, v*multiplier)
		}
	}
	if err := target.Validate(); err != nil {
		m.opts.Metrics.Adjust("rejected")
		return current, tag(err, id)
	}
	target = target.Absolute(m.opts.Ledger.Capacity())

	// The ledger must never hold less than the pod may use: raised
	// dimensions are committed before the resize, narrowed ones after it.
	held := current
	for _, d := range model.Dimensions {
		if target.Get(d) > held.Get(d) {
			held.Set(d, target.Get(d))
		}
	}

	logger := logx.LoggerWithRequestID(ctx).With("component", "resource_adjuster", "sandbox_id", id)
	if held != current {
		if _, err := m.opts.Ledger.Adjust(handle, held); err != nil {
			m.opts.Metrics.Adjust("rejected")
			logger.Info("resource adjustment rejected", "target", target.String(), "error", err)
			return current, tag(err, id)
		}
	}
	if err := m.opts.Runtime.Resize(ctx, id, target); err != nil {
		m.opts.Metrics.Adjust("failed")
		if held != current {
			if _, rbErr := m.opts.Ledger.Adjust(handle, current); rbErr != nil {
				logger.Error("failed to roll back ledger adjustment", "error", rbErr)
				current = m.syncGrant(sb, handle)
			}
		}
		return current, (&model.Error{Kind: model.KindResource, Message: "failed to apply new limits", Err: err}).WithSandbox(id)
	}
	granted := target
	if held != target {
		var err error
		if granted, err = m.opts.Ledger.Adjust(handle, target); err != nil {
			// Releasing headroom cannot fail admission; keep the record on what the ledger holds.
			logger.Error("failed to release narrowed limits", "error", err)
			granted = m.syncGrant(sb, handle)
		}
	}

	m.mu.Lock()
	sb.granted = granted
	sb.updatedAt = m.clock.Now().UTC()
	m.mu.Unlock()
	m.save(ctx, sb)
	m.opts.Metrics.Adjust("applied")
	logger.Info("resource limits adjusted", "from", current.String(), "to", granted.String(), "multiplier", multiplier)
	return granted, nil
}

// syncGrant sets the recorded grant to what the ledger holds for handle.
func (m *Manager) syncGrant(sb *sandbox, handle ledger.Handle) model.ComputeResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.opts.Ledger.Get(handle); ok {
		sb.granted = held
	}
	return sb.granted
}

// AdjustGroup adjusts every running sandbox concurrently.
func (m *Manager) AdjustGroup(ctx context.Context, multiplier float64) model.GroupResult {
	targets := m.running()
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	res := m.fanOut(ctx, ids, func(ctx context.Context, id string) error {
		_, err := m.AdjustResourceLimits(ctx, id, multiplier)
		return err
	})
	res.Status = "adjusted"
	return res
}

// AdjustSchedule triggers AdjustGroup on a cron schedule.
type AdjustSchedule struct {
	manager    *Manager
	cron       *cron.Cron
	multiplier float64
}

// NewAdjustSchedule parses a standard five-field cron spec.
func NewAdjustSchedule(m *Manager, spec string, multiplier float64) (*AdjustSchedule, error) {
	s := &AdjustSchedule{
		manager:    m,
		cron:       cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		multiplier: multiplier,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("failed to parse adjust schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *AdjustSchedule) tick() {
	ctx := logx.WithRequestID(context.Background(), logx.NewJobID())
	res := s.manager.AdjustGroup(ctx, s.multiplier)
	logx.LoggerWithRequestID(ctx).With("component", "adjust_schedule").
		Info("scheduled adjustment finished", "adjusted", len(res.Succeeded), "skipped", len(res.Failed))
}

func (s *AdjustSchedule) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running adjustment.
func (s *AdjustSchedule) Stop() {
	<-s.cron.Stop().Done()
}
