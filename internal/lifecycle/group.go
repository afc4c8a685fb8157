package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	groupStatusStarted = "started"
	groupStatusStopped = "stopped"
	groupStatusPartial = "partial"
)

// groupState is the active sandbox group. The orchestrator runs at most one.
type groupState struct {
	id        string
	defaults  model.ComputeResources
	access    []model.DatabaseAccess
	startedAt time.Time
}

func (m *Manager) groupDefaults() (string, model.ComputeResources, []model.DatabaseAccess) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.group == nil {
		return "", m.opts.DefaultResources, nil
	}
	return m.group.id, m.group.defaults, m.group.access
}

// StartGroup initializes the shared datastores and starts the listed members
// concurrently. Member failures are reported, never fatal to siblings.
func (m *Manager) StartGroup(ctx context.Context, req model.StartGroupRequest) (model.GroupResult, error) {
	access := model.NormalizeAccess(req.DatabaseAccess)
	for _, a := range access {
		if err := a.Validate(); err != nil {
			return model.GroupResult{}, err
		}
	}
	defaults := req.ComputeResources
	if !defaults.IsZero() {
		defaults = defaults.Normalize()
		if err := defaults.Validate(); err != nil {
			return model.GroupResult{}, err
		}
	}

	m.mu.Lock()
	if m.group != nil || m.groupStarting {
		m.mu.Unlock()
		return model.GroupResult{}, model.NewConfigurationError("a sandbox group is already active")
	}
	m.groupStarting = true
	m.mu.Unlock()

	logger := logx.LoggerWithRequestID(ctx).With("component", "lifecycle_group")
	if m.opts.Datastores != nil && (len(access) > 0 || req.PopulationConfig != "") {
		if err := m.opts.Datastores.InitGroup(ctx, access, req.PopulationConfig); err != nil {
			m.mu.Lock()
			m.groupStarting = false
			m.mu.Unlock()
			logger.Warn("failed to initialize group datastores", "error", err)
			return model.GroupResult{}, err
		}
	}

	g := &groupState{
		id:        "grp-" + uuid.New().String()[:8],
		defaults:  defaults,
		access:    access,
		startedAt: m.clock.Now().UTC(),
	}
	m.mu.Lock()
	m.group = g
	m.groupStarting = false
	m.mu.Unlock()
	logger.Info("sandbox group started", "group_id", g.id, "members", len(req.Sandboxes))

	specs := make([]model.SandboxSpec, 0, len(req.Sandboxes))
	for _, s := range req.Sandboxes {
		specs = append(specs, s.Spec())
	}
	res := m.StartSandboxes(ctx, specs)
	res.Status = groupStatusStarted
	return res, nil
}

// StartSandboxes creates every spec concurrently, bounded by the configured
// group concurrency.
func (m *Manager) StartSandboxes(ctx context.Context, specs []model.SandboxSpec) model.GroupResult {
	res := model.GroupResult{
		Status:  groupStatusStarted,
		Started: map[string]model.StartSandboxResponse{},
		Failed:  map[string]string{},
	}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.opts.GroupConcurrency)
	for _, spec := range specs {
		g.Go(func() error {
			resp, err := m.createSandbox(ctx, spec, SourceGroup)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[spec.ID] = err.Error()
				return nil
			}
			res.Started[spec.ID] = resp
			res.Succeeded = append(res.Succeeded, spec.ID)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Succeeded)
	if len(res.Failed) > 0 && len(res.Started) > 0 {
		res.Status = groupStatusPartial
	}
	return res
}

// EndGroup stops every member of the active group, or every known sandbox
// when no group is active, and closes the group.
func (m *Manager) EndGroup(ctx context.Context) model.GroupResult {
	m.mu.RLock()
	groupID := ""
	if m.group != nil {
		groupID = m.group.id
	}
	var targets []string
	for id, sb := range m.sandboxes {
		if sb.state == model.StateStopped {
			continue
		}
		if groupID == "" || sb.groupID == groupID {
			targets = append(targets, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(targets)

	res := m.fanOut(ctx, targets, func(ctx context.Context, id string) error {
		_, err := m.end(ctx, id, SourceGroup, "group stopped", nil)
		return err
	})

	m.mu.Lock()
	if m.group != nil && m.group.id == groupID {
		m.group = nil
	}
	m.mu.Unlock()

	res.Status = groupStatusStopped
	logx.LoggerWithRequestID(ctx).With("component", "lifecycle_group").
		Info("sandbox group stopped", "group_id", groupID, "stopped", len(res.Succeeded), "failed", len(res.Failed))
	return res
}

func (m *Manager) GroupStatus() model.GroupStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := model.GroupStatus{Sandboxes: []model.SandboxStatus{}}
	if m.group != nil {
		st.ID = m.group.id
		st.Active = true
		st.DefaultResources = m.group.defaults
		st.DatabaseAccess = append([]model.DatabaseAccess(nil), m.group.access...)
	}
	for _, sb := range m.sandboxes {
		if st.Active && sb.groupID != st.ID {
			continue
		}
		st.Sandboxes = append(st.Sandboxes, statusOf(sb))
	}
	sort.Slice(st.Sandboxes, func(i, j int) bool { return st.Sandboxes[i].ID < st.Sandboxes[j].ID })
	return st
}

// fanOut runs fn for every id concurrently and aggregates failures.
func (m *Manager) fanOut(ctx context.Context, ids []string, fn func(context.Context, string) error) model.GroupResult {
	res := model.GroupResult{Failed: map[string]string{}}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(m.opts.GroupConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err.Error()
				return nil
			}
			res.Succeeded = append(res.Succeeded, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Succeeded)
	return res
}
