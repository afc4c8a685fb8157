package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type GraphNode struct {
	ID         string         `json:"id" yaml:"id"`
	Label      string         `json:"label,omitempty" yaml:"label"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties"`
}

type GraphEdge struct {
	Source     string         `json:"source" yaml:"source"`
	Target     string         `json:"target" yaml:"target"`
	Relation   string         `json:"relation" yaml:"relation"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties"`
}

// GraphStore keeps the graph datastore, partitioned by namespace.
type GraphStore struct {
	db *sql.DB
}

func NewGraphStore() *GraphStore {
	return &GraphStore{db: DB}
}

func (s *GraphStore) UpsertNodes(ctx context.Context, namespace string, nodes []GraphNode, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin node transaction: %w", err)
	}
	defer tx.Rollback()

	for _, n := range nodes {
		props, err := marshalProps(n.Properties)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (namespace, id, label, properties_json, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, id) DO UPDATE SET
				label = excluded.label,
				properties_json = excluded.properties_json,
				updated_at = excluded.updated_at
		`, namespace, n.ID, n.Label, props, now); err != nil {
			return fmt.Errorf("failed to upsert node %s: %w", n.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit nodes: %w", err)
	}
	return nil
}

// UpsertEdges requires both endpoints to exist in the namespace.
func (s *GraphStore) UpsertEdges(ctx context.Context, namespace string, edges []GraphEdge, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin edge transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range edges {
		props, err := marshalProps(e.Properties)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_edges (namespace, source_id, target_id, relation, properties_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(namespace, source_id, target_id, relation) DO UPDATE SET
				properties_json = excluded.properties_json,
				updated_at = excluded.updated_at
		`, namespace, e.Source, e.Target, e.Relation, props, now); err != nil {
			return fmt.Errorf("failed to upsert edge %s-%s->%s: %w", e.Source, e.Relation, e.Target, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edges: %w", err)
	}
	return nil
}

func (s *GraphStore) GetNode(ctx context.Context, namespace, id string) (*GraphNode, error) {
	var n GraphNode
	var props string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, label, properties_json FROM graph_nodes WHERE namespace = ? AND id = ?
	`, namespace, id).Scan(&n.ID, &n.Label, &props)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	n.Properties = unmarshalProps(props)
	return &n, nil
}

// ListNodes returns nodes of a namespace, optionally filtered by label.
func (s *GraphStore) ListNodes(ctx context.Context, namespace, label string, limit int) ([]GraphNode, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `SELECT id, label, properties_json FROM graph_nodes WHERE namespace = ?`
	args := []any{namespace}
	if label != "" {
		query += ` AND label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []GraphNode{}
	for rows.Next() {
		var n GraphNode
		var props string
		if err := rows.Scan(&n.ID, &n.Label, &props); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		n.Properties = unmarshalProps(props)
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Neighbors returns outgoing edges of a node, optionally filtered by relation.
func (s *GraphStore) Neighbors(ctx context.Context, namespace, id, relation string) ([]GraphEdge, error) {
	query := `SELECT source_id, target_id, relation, properties_json FROM graph_edges WHERE namespace = ? AND source_id = ?`
	args := []any{namespace, id}
	if relation != "" {
		query += ` AND relation = ?`
		args = append(args, relation)
	}
	query += ` ORDER BY target_id, relation`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list neighbors: %w", err)
	}
	defer rows.Close()

	edges := []GraphEdge{}
	for rows.Next() {
		var e GraphEdge
		var props string
		if err := rows.Scan(&e.Source, &e.Target, &e.Relation, &props); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Properties = unmarshalProps(props)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func marshalProps(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}
	return string(b), nil
}

func unmarshalProps(raw string) map[string]any {
	var p map[string]any
	if raw == "" || json.Unmarshal([]byte(raw), &p) != nil || len(p) == 0 {
		return nil
	}
	return p
}
