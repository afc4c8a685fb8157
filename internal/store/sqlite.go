package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the global database connection
var DB *sql.DB

// InitDB initializes the SQLite database connection and creates tables
func InitDB(dbPath string) error {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	var err error
	DB, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := DB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Create tables
	if err := createTables(); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// CloseDB closes the database connection
func CloseDB() error {
	if DB != nil {
		err := DB.Close()
		DB = nil
		return err
	}
	return nil
}

func createTables() error {
	tables := []struct {
		name string
		ddl  string
	}{
		{"sandboxes", `
			CREATE TABLE IF NOT EXISTS sandboxes (
				id TEXT PRIMARY KEY,
				group_id TEXT NOT NULL DEFAULT '',
				image TEXT NOT NULL DEFAULT '',
				tools_hash TEXT NOT NULL DEFAULT '',
				tools_json TEXT NOT NULL DEFAULT '[]',
				resources_json TEXT NOT NULL DEFAULT '{}',
				databases_json TEXT NOT NULL DEFAULT '[]',
				lifecycle_status TEXT NOT NULL,
				status_reason TEXT NOT NULL DEFAULT '',
				pod_name TEXT NOT NULL DEFAULT '',
				network_name TEXT NOT NULL DEFAULT '',
				address TEXT NOT NULL DEFAULT '',
				access_token_sha256 TEXT NOT NULL DEFAULT '',
				access_url TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				last_activity_at TIMESTAMP,
				stopped_at TIMESTAMP
			)`},
		{"sandbox_status_history", `
			CREATE TABLE IF NOT EXISTS sandbox_status_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sandbox_id TEXT NOT NULL,
				source TEXT NOT NULL,
				from_status TEXT NOT NULL DEFAULT '',
				to_status TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL
			)`},
		{"images", `
			CREATE TABLE IF NOT EXISTS images (
				cache_key TEXT PRIMARY KEY,
				tools_hash TEXT NOT NULL,
				image_ref TEXT NOT NULL,
				built_at TIMESTAMP NOT NULL
			)`},
		{"graph_nodes", `
			CREATE TABLE IF NOT EXISTS graph_nodes (
				namespace TEXT NOT NULL,
				id TEXT NOT NULL,
				label TEXT NOT NULL DEFAULT '',
				properties_json TEXT NOT NULL DEFAULT '{}',
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (namespace, id)
			)`},
		{"graph_edges", `
			CREATE TABLE IF NOT EXISTS graph_edges (
				namespace TEXT NOT NULL,
				source_id TEXT NOT NULL,
				target_id TEXT NOT NULL,
				relation TEXT NOT NULL,
				properties_json TEXT NOT NULL DEFAULT '{}',
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (namespace, source_id, target_id, relation),
				FOREIGN KEY (namespace, source_id) REFERENCES graph_nodes(namespace, id) ON DELETE CASCADE,
				FOREIGN KEY (namespace, target_id) REFERENCES graph_nodes(namespace, id) ON DELETE CASCADE
			)`},
	}

	for _, t := range tables {
		if _, err := DB.Exec(t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(lifecycle_status)",
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_group ON sandboxes(group_id)",
		"CREATE INDEX IF NOT EXISTS idx_sandboxes_token ON sandboxes(access_token_sha256)",
		"CREATE INDEX IF NOT EXISTS idx_status_history_sandbox ON sandbox_status_history(sandbox_id, id DESC)",
		"CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(namespace, target_id)",
	}

	for _, idx := range indexes {
		if _, err := DB.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
