package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fslongjin/sandboxd/pkg/model"
)

// SandboxRecord persists sandbox metadata so a restarted orchestrator can
// find what a previous one left behind.
type SandboxRecord struct {
	ID                string
	GroupID           string
	Image             string
	ToolsHash         string
	ToolsJSON         string
	ResourcesJSON     string
	DatabasesJSON     string
	LifecycleStatus   string
	StatusReason      string
	PodName           string
	NetworkName       string
	Address           string
	AccessTokenSHA256 string
	AccessURL         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastActivityAt    *time.Time
	StoppedAt         *time.Time
}

func (r *SandboxRecord) Resources() model.ComputeResources {
	var res model.ComputeResources
	if r.ResourcesJSON != "" {
		_ = json.Unmarshal([]byte(r.ResourcesJSON), &res)
	}
	return res
}

func (r *SandboxRecord) Databases() []model.DatabaseAccess {
	var dbs []model.DatabaseAccess
	if r.DatabasesJSON != "" {
		_ = json.Unmarshal([]byte(r.DatabasesJSON), &dbs)
	}
	return dbs
}

type SandboxStatusHistoryRecord struct {
	ID         int64
	SandboxID  string
	Source     string
	FromStatus string
	ToStatus   string
	Reason     string
	PayloadRaw string
	CreatedAt  time.Time
}

// SandboxStore handles sandbox metadata persistence.
type SandboxStore struct {
	db *sql.DB
}

func NewSandboxStore() *SandboxStore {
	return &SandboxStore{db: DB}
}

// Upsert writes the full record, replacing a previous life of the same id.
func (s *SandboxStore) Upsert(ctx context.Context, rec *SandboxRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandboxes (
			id, group_id, image, tools_hash, tools_json, resources_json, databases_json,
			lifecycle_status, status_reason, pod_name, network_name, address,
			access_token_sha256, access_url, created_at, updated_at, last_activity_at, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			group_id = excluded.group_id,
			image = excluded.image,
			tools_hash = excluded.tools_hash,
			tools_json = excluded.tools_json,
			resources_json = excluded.resources_json,
			databases_json = excluded.databases_json,
			lifecycle_status = excluded.lifecycle_status,
			status_reason = excluded.status_reason,
			pod_name = excluded.pod_name,
			network_name = excluded.network_name,
			address = excluded.address,
			access_token_sha256 = excluded.access_token_sha256,
			access_url = excluded.access_url,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			last_activity_at = excluded.last_activity_at,
			stopped_at = excluded.stopped_at
	`, rec.ID, rec.GroupID, rec.Image, rec.ToolsHash, orDefault(rec.ToolsJSON, "[]"), orDefault(rec.ResourcesJSON, "{}"), orDefault(rec.DatabasesJSON, "[]"),
		rec.LifecycleStatus, rec.StatusReason, rec.PodName, rec.NetworkName, rec.Address,
		rec.AccessTokenSHA256, rec.AccessURL, rec.CreatedAt, rec.UpdatedAt, toNullTime(rec.LastActivityAt), toNullTime(rec.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sandbox record: %w", err)
	}
	return nil
}

func (s *SandboxStore) GetByID(ctx context.Context, id string) (*SandboxRecord, error) {
	row := s.db.QueryRowContext(ctx, sandboxSelectSQL+` WHERE id = ?`, id)
	rec, err := scanSandbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sandbox by id: %w", err)
	}
	return rec, nil
}

// ListActive returns every sandbox that has not reached stopped.
func (s *SandboxStore) ListActive(ctx context.Context) ([]SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx, sandboxSelectSQL+`
		 WHERE lifecycle_status <> ?
		 ORDER BY created_at DESC
	`, string(model.StateStopped))
	if err != nil {
		return nil, fmt.Errorf("failed to list active sandboxes: %w", err)
	}
	defer rows.Close()
	return scanSandboxRows(rows)
}

func (s *SandboxStore) UpdateStatus(ctx context.Context, id, status, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET lifecycle_status = ?, status_reason = ?, updated_at = ?
		WHERE id = ?
	`, status, reason, now, id)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

func (s *SandboxStore) MarkStopped(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET lifecycle_status = ?, status_reason = ?, address = '', stopped_at = ?, updated_at = ?
		WHERE id = ?
	`, string(model.StateStopped), reason, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to mark stopped: %w", err)
	}
	return nil
}

func (s *SandboxStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sandbox record: %w", err)
	}
	return nil
}

func (s *SandboxStore) AppendStatusHistory(ctx context.Context, sandboxID, source, fromStatus, toStatus, reason string, payload any, now time.Time) error {
	payloadJSON := "{}"
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal status history payload: %w", err)
		}
		payloadJSON = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sandbox_status_history (sandbox_id, source, from_status, to_status, reason, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sandboxID, source, fromStatus, toStatus, reason, payloadJSON, now)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func (s *SandboxStore) ListStatusHistory(ctx context.Context, sandboxID string, limit int, beforeID int64) ([]SandboxStatusHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	baseSQL := `
		SELECT id, sandbox_id, source, from_status, to_status, reason, payload_json, created_at
		FROM sandbox_status_history
		WHERE sandbox_id = ?`
	args := []any{sandboxID}
	if beforeID > 0 {
		baseSQL += " AND id < ?"
		args = append(args, beforeID)
	}
	baseSQL += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, baseSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox status history: %w", err)
	}
	defer rows.Close()

	var items []SandboxStatusHistoryRecord
	for rows.Next() {
		var item SandboxStatusHistoryRecord
		if err := rows.Scan(&item.ID, &item.SandboxID, &item.Source, &item.FromStatus, &item.ToStatus, &item.Reason, &item.PayloadRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sandbox status history: %w", err)
		}
		items = append(items, item)
	}
	if items == nil {
		items = []SandboxStatusHistoryRecord{}
	}
	return items, nil
}

// PurgeHistoryResult contains deletion stats from history cleanup.
type PurgeHistoryResult struct {
	DeletedSandboxes     int64
	DeletedStatusHistory int64
}

// PurgeHistoricalData deletes history rows and stopped sandboxes older than cutoff.
func (s *SandboxStore) PurgeHistoricalData(ctx context.Context, cutoff time.Time) (*PurgeHistoryResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	result := &PurgeHistoryResult{}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM sandbox_status_history
		WHERE created_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge status history: %w", err)
	}
	result.DeletedStatusHistory, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM sandboxes
		WHERE lifecycle_status = ?
		  AND stopped_at IS NOT NULL
		  AND stopped_at < ?
	`, string(model.StateStopped), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to purge stopped sandboxes: %w", err)
	}
	result.DeletedSandboxes, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge transaction: %w", err)
	}
	return result, nil
}

const sandboxSelectSQL = `
SELECT
	id, group_id, image, tools_hash, tools_json, resources_json, databases_json,
	lifecycle_status, status_reason, pod_name, network_name, address,
	access_token_sha256, access_url, created_at, updated_at, last_activity_at, stopped_at
FROM sandboxes`

func scanSandbox(row interface{ Scan(dest ...any) error }) (*SandboxRecord, error) {
	var rec SandboxRecord
	var lastActivityAt sql.NullTime
	var stoppedAt sql.NullTime
	if err := row.Scan(
		&rec.ID, &rec.GroupID, &rec.Image, &rec.ToolsHash, &rec.ToolsJSON, &rec.ResourcesJSON, &rec.DatabasesJSON,
		&rec.LifecycleStatus, &rec.StatusReason, &rec.PodName, &rec.NetworkName, &rec.Address,
		&rec.AccessTokenSHA256, &rec.AccessURL, &rec.CreatedAt, &rec.UpdatedAt, &lastActivityAt, &stoppedAt,
	); err != nil {
		return nil, err
	}
	if lastActivityAt.Valid {
		t := lastActivityAt.Time
		rec.LastActivityAt = &t
	}
	if stoppedAt.Valid {
		t := stoppedAt.Time
		rec.StoppedAt = &t
	}
	return &rec, nil
}

func scanSandboxRows(rows *sql.Rows) ([]SandboxRecord, error) {
	var items []SandboxRecord
	for rows.Next() {
		rec, err := scanSandbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sandbox row: %w", err)
		}
		items = append(items, *rec)
	}
	if items == nil {
		items = []SandboxRecord{}
	}
	return items, nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
