package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
)

// Recorder persists sandbox state. Persistence failures are logged by the
// manager and never fail a lifecycle operation.
type Recorder interface {
	Save(ctx context.Context, rec *store.SandboxRecord) error
	Transition(ctx context.Context, id, source string, from, to model.State, reason string, at time.Time) error
	Stopped(ctx context.Context, id, reason string, at time.Time) error
	Active(ctx context.Context) ([]store.SandboxRecord, error)
	History(ctx context.Context, id string, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error)
}

// StoreRecorder writes through to the sqlite sandbox store.
type StoreRecorder struct {
	store *store.SandboxStore
}

func NewStoreRecorder(s *store.SandboxStore) *StoreRecorder {
	return &StoreRecorder{store: s}
}

func (r *StoreRecorder) Save(ctx context.Context, rec *store.SandboxRecord) error {
	return r.store.Upsert(ctx, rec)
}

func (r *StoreRecorder) Transition(ctx context.Context, id, source string, from, to model.State, reason string, at time.Time) error {
	if err := r.store.UpdateStatus(ctx, id, string(to), reason, at); err != nil {
		return err
	}
	return r.store.AppendStatusHistory(ctx, id, source, string(from), string(to), reason, nil, at)
}

func (r *StoreRecorder) Stopped(ctx context.Context, id, reason string, at time.Time) error {
	return r.store.MarkStopped(ctx, id, reason, at)
}

func (r *StoreRecorder) Active(ctx context.Context) ([]store.SandboxRecord, error) {
	return r.store.ListActive(ctx)
}

func (r *StoreRecorder) History(ctx context.Context, id string, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error) {
	return r.store.ListStatusHistory(ctx, id, limit, beforeID)
}

type nopRecorder struct{}

func (nopRecorder) Save(context.Context, *store.SandboxRecord) error { return nil }
func (nopRecorder) Transition(context.Context, string, string, model.State, model.State, string, time.Time) error {
	return nil
}
func (nopRecorder) Stopped(context.Context, string, string, time.Time) error { return nil }
func (nopRecorder) Active(context.Context) ([]store.SandboxRecord, error) { return nil, nil }
func (nopRecorder) History(context.Context, string, int, int64) ([]store.SandboxStatusHistoryRecord, error) {
	return []store.SandboxStatusHistoryRecord{}, nil
}

func toRecord(sb *sandbox) *store.SandboxRecord {
	tools, _ := json.Marshal(sb.spec.Tools)
	resources, _ := json.Marshal(sb.granted)
	if sb.granted.IsZero() {
		resources, _ = json.Marshal(sb.spec.Resources)
	}
	databases, _ := json.Marshal(sb.spec.Databases)
	rec := &store.SandboxRecord{
		ID:                sb.spec.ID,
		GroupID:           sb.groupID,
		Image:             sb.image,
		ToolsHash:         sb.toolsHash,
		ToolsJSON:         string(tools),
		ResourcesJSON:     string(resources),
		DatabasesJSON:     string(databases),
		LifecycleStatus:   string(sb.state),
		StatusReason:      sb.reason,
		PodName:           sb.podName,
		NetworkName:       sb.network,
		Address:           sb.address,
		AccessTokenSHA256: sb.tokenHash,
		AccessURL:         sb.url,
		CreatedAt:         sb.createdAt,
		UpdatedAt:         sb.updatedAt,
	}
	if !sb.lastActivity.IsZero() {
		t := sb.lastActivity
		rec.LastActivityAt = &t
	}
	return rec
}
