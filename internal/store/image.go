package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ImageRecord struct {
	CacheKey  string
	ToolsHash string
	ImageRef  string
	BuiltAt   time.Time
}

// ImageStore remembers built tool images by (base image, tools hash).
type ImageStore struct {
	db *sql.DB
}

func NewImageStore() *ImageStore {
	return &ImageStore{db: DB}
}

func (s *ImageStore) GetImage(ctx context.Context, key string) (string, bool, error) {
	var ref string
	err := s.db.QueryRowContext(ctx, `SELECT image_ref FROM images WHERE cache_key = ?`, key).Scan(&ref)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get image: %w", err)
	}
	return ref, true, nil
}

func (s *ImageStore) PutImage(ctx context.Context, key, hash, ref string, builtAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (cache_key, tools_hash, image_ref, built_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			tools_hash = excluded.tools_hash,
			image_ref = excluded.image_ref,
			built_at = excluded.built_at
	`, key, hash, ref, builtAt)
	if err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

func (s *ImageStore) ListImages(ctx context.Context) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cache_key, tools_hash, image_ref, built_at
		FROM images
		ORDER BY built_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	items := []ImageRecord{}
	for rows.Next() {
		var r ImageRecord
		if err := rows.Scan(&r.CacheKey, &r.ToolsHash, &r.ImageRef, &r.BuiltAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}
