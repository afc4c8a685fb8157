// Package lifecycle drives sandboxes through their states, from registration
// to teardown, and owns the background reaper, usage sampler and adjuster.
package lifecycle

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fslongjin/sandboxd/internal/deploy"
	"github.com/fslongjin/sandboxd/internal/ledger"
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/security"
	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/internal/tooltree"
	"github.com/fslongjin/sandboxd/pkg/model"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"
)

const (
	SourceAPI      = "api"
	SourceGroup    = "group"
	SourceReaper   = "reaper"
	SourceAdjuster = "adjuster"
	SourceSweep    = "sweep"

	defaultStartTimeout     = 5 * time.Minute
	defaultCleanupTimeout   = time.Minute
	defaultGroupConcurrency = 8
)

var defaultTeardownBackoff = wait.Backoff{
	Steps:    4,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// ErrUnauthorized is returned when an access token does not match the sandbox.
var ErrUnauthorized = model.ErrUnauthorized

// Runtime places sandbox descriptors on the container platform.
type Runtime interface {
	Provision(ctx context.Context, d *deploy.Descriptor) error
	Launch(ctx context.Context, d *deploy.Descriptor) (string, error)
	Teardown(ctx context.Context, sandboxID string) error
	Resize(ctx context.Context, sandboxID string, res model.ComputeResources) error
	Sandboxes(ctx context.Context) ([]string, error)
}

type Assembler interface {
	Assemble(sel tooltree.Selection) (*tooltree.Tree, error)
}

type ImageEnsurer interface {
	Ensure(ctx context.Context, tree *tooltree.Tree) (string, error)
}

// GroupInitializer prepares the shared datastores of a group.
type GroupInitializer interface {
	InitGroup(ctx context.Context, access []model.DatabaseAccess, populationPath string) error
}

// Options wires the manager's collaborators and timing.
type Options struct {
	Runtime    Runtime
	Ledger     *ledger.Ledger
	Assembler  Assembler
	Images     ImageEnsurer
	Deploy     deploy.Config
	Datastores GroupInitializer
	Recorder   Recorder
	Events     *EventHub
	Metrics    *metrics.Metrics
	Drain      *DrainManager
	Clock      clock.Clock

	// DefaultResources apply to sandboxes that name none outside a group.
	DefaultResources model.ComputeResources

	// PublicURL is the gateway base url sandbox urls are derived from.
	PublicURL        string
	StartTimeout     time.Duration
	CleanupTimeout   time.Duration
	TeardownBackoff  wait.Backoff
	GroupConcurrency int
}

type sandbox struct {
	spec    model.SandboxSpec
	groupID string
	state   model.State
	reason  string

	handle  ledger.Handle
	granted model.ComputeResources

	image     string
	toolsHash string
	network   string
	podName   string
	address   string
	tokenHash string
	url       string

	// dirty marks a failed sandbox whose cleanup did not complete.
	dirty bool

	createdAt    time.Time
	updatedAt    time.Time
	lastActivity time.Time
	samples      *usageRing
}

// Manager owns the lifecycle of every sandbox and the active group.
type Manager struct {
	opts    Options
	clock   clock.Clock
	events  *EventHub
	rec     Recorder
	locks   *keyedLocks
	backoff wait.Backoff

	mu        sync.RWMutex
	sandboxes map[string]*sandbox
	tokens    map[string]string
	group     *groupState

	// groupStarting claims the group slot while its datastores are seeded.
	groupStarting bool
}

// NewManager fills unset options with defaults.
func NewManager(opts Options) (*Manager, error) {
	switch {
	case opts.Runtime == nil:
		return nil, fmt.Errorf("lifecycle manager requires a runtime")
	case opts.Ledger == nil:
		return nil, fmt.Errorf("lifecycle manager requires a ledger")
	case opts.Assembler == nil:
		return nil, fmt.Errorf("lifecycle manager requires a tool assembler")
	case opts.Images == nil:
		return nil, fmt.Errorf("lifecycle manager requires an image service")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Events == nil {
		opts.Events = NewEventHub()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaultStartTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if opts.GroupConcurrency <= 0 {
		opts.GroupConcurrency = defaultGroupConcurrency
	}
	backoff := opts.TeardownBackoff
	if backoff.Steps <= 0 {
		backoff = defaultTeardownBackoff
	}
	return &Manager{
		opts:      opts,
		clock:     opts.Clock,
		events:    opts.Events,
		rec:       opts.Recorder,
		locks:     newKeyedLocks(),
		backoff:   backoff,
		sandboxes: make(map[string]*sandbox),
		tokens:    make(map[string]string),
	}, nil
}

func (m *Manager) Events() *EventHub { return m.events }

func (m *Manager) Ledger() *ledger.Ledger { return m.opts.Ledger }

// Register records a sandbox spec in the created state without committing
// any resources.
func (m *Manager) Register(ctx context.Context, spec model.SandboxSpec) error {
	groupID, defaults, access := m.groupDefaults()
	spec.ApplyDefaults(defaults, access)
	if err := spec.Validate(); err != nil {
		return tag(err, spec.ID)
	}

	unlock := m.locks.Lock(spec.ID)
	defer unlock()

	sb, _, _, err := m.admit(spec, groupID)
	if err != nil {
		return err
	}
	m.save(ctx, sb)
	return nil
}

// CreateSandbox reserves resources, builds the image and launches the
// sandbox. Every failure after the reservation releases it again and leaves
// the sandbox failed.
func (m *Manager) CreateSandbox(ctx context.Context, spec model.SandboxSpec) (model.StartSandboxResponse, error) {
	return m.createSandbox(ctx, spec, SourceAPI)
}

func (m *Manager) createSandbox(ctx context.Context, spec model.SandboxSpec, source string) (model.StartSandboxResponse, error) {
	if m.opts.Drain.IsDraining() {
		return model.StartSandboxResponse{}, model.NewSandboxStartError(nil, "orchestrator is shutting down").WithSandbox(spec.ID)
	}
	groupID, defaults, access := m.groupDefaults()
	spec.ApplyDefaults(defaults, access)
	if err := spec.Validate(); err != nil {
		return model.StartSandboxResponse{}, tag(err, spec.ID)
	}
	sel, err := tooltree.ParseSelection(spec.Tools)
	if err != nil {
		return model.StartSandboxResponse{}, tag(err, spec.ID)
	}

	unlock := m.locks.Lock(spec.ID)
	defer unlock()

	logger := logx.LoggerWithRequestID(ctx).With("component", "lifecycle", "sandbox_id", spec.ID)

	sb, fresh, previous, err := m.admit(spec, groupID)
	if err != nil {
		return model.StartSandboxResponse{}, err
	}
	if previous == model.StateFailed {
		m.cleanup(ctx, spec.ID, logger)
	}

	handle, granted, err := m.opts.Ledger.Reserve(spec.Resources)
	if err != nil {
		if fresh {
			m.drop(spec.ID)
		}
		logger.Info("sandbox admission rejected", "resources", spec.Resources.String(), "error", err)
		return model.StartSandboxResponse{}, tag(err, spec.ID)
	}
	m.mu.Lock()
	sb.handle = handle
	sb.granted = granted
	m.mu.Unlock()
	m.save(ctx, sb)
	m.transition(ctx, sb, model.StateBuilding, "", source)

	startCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StartTimeout)
	defer cancel()

	token, err := m.start(startCtx, sb, sel, source)
	if err != nil {
		err = classifyStart(startCtx, err, spec.ID, m.opts.StartTimeout)
		m.fail(ctx, sb, err, source, logger)
		return model.StartSandboxResponse{}, err
	}

	m.mu.RLock()
	url := sb.url
	m.mu.RUnlock()
	logger.Info("sandbox running", "url", url, "resources", granted.String())
	return model.StartSandboxResponse{SandboxURL: url, AccessToken: token}, nil
}

func (m *Manager) start(ctx context.Context, sb *sandbox, sel tooltree.Selection, source string) (string, error) {
	id := sb.spec.ID

	tree, err := m.opts.Assembler.Assemble(sel)
	if err != nil {
		return "", err
	}
	digest, err := tooltree.Hash(tree)
	if err != nil {
		return "", model.NewToolError(err, "failed to hash tool tree")
	}
	image, err := m.opts.Images.Ensure(ctx, tree)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	sb.image = image
	sb.toolsHash = digest.String()
	m.mu.Unlock()
	m.transition(ctx, sb, model.StateStarting, "", source)

	token, err := security.GenerateToken(32)
	if err != nil {
		return "", model.NewSandboxStartError(err, "failed to generate access token")
	}
	desc, err := deploy.Synthesize(m.opts.Deploy, deploy.Input{
		SandboxID: id,
		Image:     image,
		Token:     token,
		Resources: sb.granted,
		Databases: sb.spec.Databases,
	})
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	sb.network = desc.Network.Name
	sb.podName = desc.Pod.Name
	m.mu.Unlock()

	if err := m.opts.Runtime.Provision(ctx, desc); err != nil {
		return "", model.NewSandboxStartError(err, "failed to provision network")
	}
	addr, err := m.opts.Runtime.Launch(ctx, desc)
	if err != nil {
		return "", model.NewSandboxStartError(err, "failed to launch instance")
	}
	if err := ctx.Err(); err != nil {
		return "", model.NewSandboxStartError(err, "start did not complete in time")
	}

	now := m.clock.Now().UTC()
	tokenHash := security.HashToken(token)
	m.mu.Lock()
	sb.address = addr
	sb.tokenHash = tokenHash
	sb.url = m.sandboxURL(id)
	sb.lastActivity = now
	sb.samples = newUsageRing()
	m.tokens[tokenHash] = id
	m.mu.Unlock()

	m.transition(ctx, sb, model.StateRunning, "", source)
	m.save(ctx, sb)
	return token, nil
}

// fail releases everything a failed start holds and moves the sandbox to failed.
func (m *Manager) fail(ctx context.Context, sb *sandbox, cause error, source string, logger *slog.Logger) {
	m.mu.Lock()
	handle := sb.handle
	sb.handle = ""
	provisioned := sb.network != ""
	if sb.tokenHash != "" {
		delete(m.tokens, sb.tokenHash)
		sb.tokenHash = ""
	}
	sb.address = ""
	m.mu.Unlock()

	m.opts.Ledger.Release(handle)
	if provisioned {
		if !m.cleanup(ctx, sb.spec.ID, logger) {
			m.mu.Lock()
			sb.dirty = true
			m.mu.Unlock()
		}
	}
	logger.Warn("sandbox start failed", "kind", model.KindOf(cause), "error", cause)
	m.transition(ctx, sb, model.StateFailed, cause.Error(), source)
}

// cleanup removes runtime objects of id without retrying.
func (m *Manager) cleanup(ctx context.Context, id string, logger *slog.Logger) bool {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
	defer cancel()
	if err := m.opts.Runtime.Teardown(cleanupCtx, id); err != nil {
		logger.Warn("failed to clean up sandbox runtime objects", "error", err)
		return false
	}
	return true
}

// EndSandbox stops a sandbox. Stopping a stopped sandbox succeeds without
// doing anything.
func (m *Manager) EndSandbox(ctx context.Context, id string) error {
	_, err := m.end(ctx, id, SourceAPI, "stopped by request", nil)
	return err
}

// end tears down id when cond (if set) still holds under the sandbox lock.
// It reports whether this call performed the stop.
func (m *Manager) end(ctx context.Context, id, source, reason string, cond func(*sandbox) bool) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	sb, ok := m.sandboxes[id]
	var state model.State
	if ok {
		state = sb.state
	}
	m.mu.RUnlock()
	if !ok {
		return false, model.NewNotFoundError(id)
	}
	if cond != nil {
		m.mu.RLock()
		hold := cond(sb)
		m.mu.RUnlock()
		if !hold {
			return false, nil
		}
	}

	logger := logx.LoggerWithRequestID(ctx).With("component", "lifecycle", "sandbox_id", id, "source", source)

	switch state {
	case model.StateStopped:
		return false, nil
	case model.StateCreated:
		m.drop(id)
		if err := m.rec.Stopped(ctx, id, reason, m.clock.Now().UTC()); err != nil {
			logger.Warn("failed to persist stopped sandbox", "error", err)
		}
		return true, nil
	case model.StateRunning, model.StateFailed:
		m.transition(ctx, sb, model.StateStopping, reason, source)
	case model.StateStopping:
	default:
		return false, model.NewSandboxNotStartedError("sandbox is %s", state).WithSandbox(id)
	}

	err := retry.OnError(m.backoff, func(error) bool { return ctx.Err() == nil }, func() error {
		return m.opts.Runtime.Teardown(ctx, id)
	})
	if err != nil {
		logger.Warn("sandbox teardown failed, will retry", "error", err)
		return false, model.NewSandboxStopError(err, "teardown failed").WithSandbox(id)
	}

	m.mu.Lock()
	handle := sb.handle
	sb.handle = ""
	if sb.tokenHash != "" {
		delete(m.tokens, sb.tokenHash)
		sb.tokenHash = ""
	}
	sb.address = ""
	sb.dirty = false
	m.mu.Unlock()
	m.opts.Ledger.Release(handle)

	m.transition(ctx, sb, model.StateStopped, reason, source)
	if err := m.rec.Stopped(ctx, id, reason, m.clock.Now().UTC()); err != nil {
		logger.Warn("failed to persist stopped sandbox", "error", err)
	}
	logger.Info("sandbox stopped", "reason", reason)
	return true, nil
}

// Touch records activity on a running sandbox.
func (m *Manager) Touch(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok || sb.state != model.StateRunning {
		return false
	}
	sb.lastActivity = m.clock.Now().UTC()
	return true
}

// Authenticate checks token against a running sandbox and returns the
// instance address. A successful call counts as activity.
func (m *Manager) Authenticate(id, token string) (string, error) {
	hash := security.HashToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return "", model.NewNotFoundError(id)
	}
	if sb.state != model.StateRunning {
		return "", model.NewSandboxNotStartedError("sandbox is %s", sb.state).WithSandbox(id)
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(sb.tokenHash)) != 1 {
		return "", ErrUnauthorized
	}
	sb.lastActivity = m.clock.Now().UTC()
	return sb.address, nil
}

// GrantsForToken resolves an access token to its running sandbox and the
// datastore grants it holds.
func (m *Manager) GrantsForToken(token string) (string, []model.DatabaseAccess, error) {
	hash := security.HashToken(token)

	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[hash]
	if !ok {
		return "", nil, ErrUnauthorized
	}
	sb := m.sandboxes[id]
	if sb == nil || sb.state != model.StateRunning {
		return "", nil, model.NewSandboxNotStartedError("sandbox is not running").WithSandbox(id)
	}
	sb.lastActivity = m.clock.Now().UTC()
	return id, append([]model.DatabaseAccess(nil), sb.spec.Databases...), nil
}

// Status reports one sandbox; unknown ids are a not-found error.
func (m *Manager) Status(id string) (model.SandboxStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return model.SandboxStatus{}, model.NewNotFoundError(id)
	}
	return statusOf(sb), nil
}

// List reports every known sandbox ordered by id.
func (m *Manager) List() []model.SandboxStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SandboxStatus, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		out = append(out, statusOf(sb))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) History(ctx context.Context, id string, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error) {
	return m.rec.History(ctx, id, limit, beforeID)
}

// ResourceSummary reports the ledger in wire form.
func (m *Manager) ResourceSummary() model.ResourceSummary {
	snap := m.opts.Ledger.Snapshot()
	return model.ResourceSummary{
		Capacity:     snap.Capacity,
		Committed:    snap.Committed,
		Available:    snap.Available,
		Reservations: snap.Reservations,
	}
}

// SweepOrphans tears down runtime objects and closes persisted records that
// this process does not know about, such as leftovers of a previous run.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	logger := logx.LoggerWithRequestID(ctx).With("component", "lifecycle_sweep")

	ids, err := m.opts.Runtime.Sandboxes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list runtime sandboxes: %w", err)
	}
	swept := 0
	for _, id := range ids {
		if m.known(id) {
			continue
		}
		if err := m.opts.Runtime.Teardown(ctx, id); err != nil {
			logger.Warn("failed to tear down orphaned sandbox", "sandbox_id", id, "error", err)
			continue
		}
		swept++
		logger.Info("orphaned sandbox torn down", "sandbox_id", id)
	}

	records, err := m.rec.Active(ctx)
	if err != nil {
		return swept, fmt.Errorf("failed to list persisted sandboxes: %w", err)
	}
	now := m.clock.Now().UTC()
	for _, rec := range records {
		if m.known(rec.ID) {
			continue
		}
		if err := m.rec.Transition(ctx, rec.ID, SourceSweep, model.State(rec.LifecycleStatus), model.StateStopped, "orchestrator restarted", now); err != nil {
			logger.Warn("failed to record orphan transition", "sandbox_id", rec.ID, "error", err)
		}
		if err := m.rec.Stopped(ctx, rec.ID, "orchestrator restarted", now); err != nil {
			logger.Warn("failed to close orphaned record", "sandbox_id", rec.ID, "error", err)
		}
	}
	return swept, nil
}

func (m *Manager) known(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sandboxes[id]
	return ok
}

// admit installs a record for spec. Created records are reused, stopped and
// failed ones replaced by a new life of the same id.
func (m *Manager) admit(spec model.SandboxSpec, groupID string) (*sandbox, bool, model.State, error) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	var previous model.State
	if existing, ok := m.sandboxes[spec.ID]; ok {
		previous = existing.state
		switch existing.state {
		case model.StateCreated:
			existing.spec = spec
			existing.groupID = groupID
			existing.updatedAt = now
			return existing, false, previous, nil
		case model.StateStopped, model.StateFailed:
			if existing.tokenHash != "" {
				delete(m.tokens, existing.tokenHash)
			}
		default:
			return nil, false, previous, model.NewConfigurationError("sandbox is already %s", existing.state).WithSandbox(spec.ID)
		}
	}
	sb := &sandbox{
		spec:      spec,
		groupID:   groupID,
		state:     model.StateCreated,
		createdAt: now,
		updatedAt: now,
	}
	m.sandboxes[spec.ID] = sb
	m.opts.Metrics.Transition(model.StateCreated)
	return sb, true, previous, nil
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sb, ok := m.sandboxes[id]; ok && sb.tokenHash != "" {
		delete(m.tokens, sb.tokenHash)
	}
	delete(m.sandboxes, id)
}

func (m *Manager) transition(ctx context.Context, sb *sandbox, to model.State, reason, source string) {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	from := sb.state
	if !model.CanTransition(from, to) {
		m.mu.Unlock()
		slog.Default().With("component", "lifecycle", "sandbox_id", sb.spec.ID).
			Error("illegal lifecycle transition refused", "from", from, "to", to)
		return
	}
	sb.state = to
	sb.reason = reason
	sb.updatedAt = now
	m.mu.Unlock()

	m.opts.Metrics.Transition(to)
	m.events.Publish(model.StatusTransition{SandboxID: sb.spec.ID, From: from, To: to, Reason: reason, At: now})
	if err := m.rec.Transition(ctx, sb.spec.ID, source, from, to, reason, now); err != nil {
		logx.LoggerWithRequestID(ctx).With("component", "lifecycle", "sandbox_id", sb.spec.ID).
			Warn("failed to persist transition", "to", to, "error", err)
	}
}

func (m *Manager) save(ctx context.Context, sb *sandbox) {
	m.mu.RLock()
	rec := toRecord(sb)
	m.mu.RUnlock()
	if err := m.rec.Save(ctx, rec); err != nil {
		logx.LoggerWithRequestID(ctx).With("component", "lifecycle", "sandbox_id", sb.spec.ID).
			Warn("failed to persist sandbox record", "error", err)
	}
}

func (m *Manager) sandboxURL(id string) string {
	return strings.TrimSuffix(m.opts.PublicURL, "/") + "/sandboxes/" + id
}

func statusOf(sb *sandbox) model.SandboxStatus {
	st := model.SandboxStatus{
		ID:        sb.spec.ID,
		State:     sb.state,
		Reason:    sb.reason,
		URL:       sb.url,
		Image:     sb.image,
		Network:   sb.network,
		Resources: sb.granted,
		Databases: append([]model.DatabaseAccess(nil), sb.spec.Databases...),
		CreatedAt: sb.createdAt,
	}
	if st.Resources.IsZero() {
		st.Resources = sb.spec.Resources
	}
	if sb.state != model.StateRunning {
		st.URL = ""
	}
	if !sb.lastActivity.IsZero() {
		t := sb.lastActivity
		st.LastActivityAt = &t
	}
	if sb.samples != nil {
		st.Samples = sb.samples.Len()
	}
	return st
}

// tag attaches the sandbox id to a classified error, classifying plain
// errors as start failures.
func tag(err error, id string) error {
	var e *model.Error
	if errors.As(err, &e) {
		return e.WithSandbox(id)
	}
	return model.NewSandboxStartError(err, "sandbox start failed").WithSandbox(id)
}

func classifyStart(ctx context.Context, err error, id string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !model.IsKind(err, model.KindSandboxStart) {
		return model.NewSandboxStartError(err, "start exceeded %s", timeout).WithSandbox(id)
	}
	return tag(err, id)
}
