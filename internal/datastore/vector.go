package datastore

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/philippgille/chromem-go"
)

const maxQueryLimit = 100

// VectorDocument is one stored embedding.
type VectorDocument struct {
	ID        string            `json:"id" yaml:"id"`
	Content   string            `json:"content,omitempty" yaml:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Embedding []float32         `json:"embedding" yaml:"embedding"`
}

// VectorMatch is one query result.
type VectorMatch struct {
	ID         string            `json:"id"`
	Content    string            `json:"content,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float32           `json:"similarity"`
}

// VectorStore keeps one chromem collection per namespace. Embeddings are
// always supplied by the caller; no embedding function is configured.
type VectorStore struct {
	db *chromem.DB
}

// OpenVectorStore opens a persistent store under path, or an in-memory one when path is empty.
func OpenVectorStore(path string) (*VectorStore, error) {
	if path == "" {
		return &VectorStore{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store: %w", err)
	}
	return &VectorStore{db: db}, nil
}

// Ensure creates the namespace collection if it does not exist yet.
func (s *VectorStore) Ensure(namespace string) error {
	if _, err := s.db.GetOrCreateCollection(namespace, nil, nil); err != nil {
		return model.NewDatabaseError(err, "failed to create vector namespace %q", namespace)
	}
	return nil
}

// Upsert stores docs in namespace, replacing documents with the same id.
func (s *VectorStore) Upsert(ctx context.Context, namespace string, docs []VectorDocument) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return model.NewDatabaseError(nil, "vector document without id")
		}
		if len(d.Embedding) == 0 {
			return model.NewDatabaseError(nil, "vector document %q has no embedding", d.ID)
		}
		batch = append(batch, chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: d.Embedding,
		})
	}
	col, err := s.db.GetOrCreateCollection(namespace, nil, nil)
	if err != nil {
		return model.NewDatabaseError(err, "failed to open vector namespace %q", namespace)
	}
	if err := col.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return model.NewDatabaseError(err, "failed to upsert into %q", namespace)
	}
	return nil
}

// Query returns up to limit documents closest to embedding, filtered by exact metadata matches.
func (s *VectorStore) Query(ctx context.Context, namespace string, embedding []float32, limit int, where map[string]string) ([]VectorMatch, error) {
	if len(embedding) == 0 {
		return nil, model.NewDatabaseError(nil, "query embedding is empty")
	}
	col := s.db.GetCollection(namespace, nil)
	if col == nil {
		return []VectorMatch{}, nil
	}
	if limit <= 0 || limit > maxQueryLimit {
		limit = 10
	}
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit == 0 {
		return []VectorMatch{}, nil
	}
	if len(where) == 0 {
		where = nil
	}
	res, err := col.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		return nil, model.NewDatabaseError(err, "failed to query %q", namespace)
	}
	out := make([]VectorMatch, 0, len(res))
	for _, r := range res {
		out = append(out, VectorMatch{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Similarity: r.Similarity})
	}
	return out, nil
}

// Count returns the number of documents in namespace.
func (s *VectorStore) Count(namespace string) int {
	col := s.db.GetCollection(namespace, nil)
	if col == nil {
		return 0
	}
	return col.Count()
}

// Delete removes documents by id.
func (s *VectorStore) Delete(ctx context.Context, namespace string, ids ...string) error {
	col := s.db.GetCollection(namespace, nil)
	if col == nil || len(ids) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return model.NewDatabaseError(err, "failed to delete from %q", namespace)
	}
	return nil
}
