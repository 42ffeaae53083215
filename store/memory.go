package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"contractrag/types"
)

// MemoryStore keeps everything in process memory. It is used by tests and
// by the CLI when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	dim         int
	documents   map[string]types.Document
	chunks      map[string][]types.Chunk
	extractions map[string]types.Extraction
	audits      []types.AuditReport
	webhooks    []types.WebhookSubscription
	nextHookID  int64
}

func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:         dim,
		documents:   make(map[string]types.Document),
		chunks:      make(map[string][]types.Chunk),
		extractions: make(map[string]types.Extraction),
	}
}

func (m *MemoryStore) Dimension() int { return m.dim }

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func (m *MemoryStore) SaveDocument(_ context.Context, doc types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[doc.ID] = doc
	return nil
}

func (m *MemoryStore) GetDocument(_ context.Context, id string) (*types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return &doc, nil
}

func (m *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	delete(m.documents, id)
	delete(m.chunks, id)
	delete(m.extractions, id)
	m.audits = slices.DeleteFunc(m.audits, func(r types.AuditReport) bool { return r.DocumentID == id })
	return nil
}

func (m *MemoryStore) UpsertChunks(_ context.Context, documentID string, chunks []types.Chunk) error {
	if err := checkChunks(m.dim, chunks); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, types.ErrNotFound)
	}
	stored := make([]types.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		c.Embedding = slices.Clone(c.Embedding)
		stored[i] = c
	}
	m.chunks[documentID] = stored
	return nil
}

func (m *MemoryStore) Nearest(_ context.Context, query []float32, topK int, filter []string) ([]types.ScoredChunk, error) {
	if err := checkNearest(m.dim, query, topK); err != nil {
		return nil, err
	}
	allowed := allowList(filter)

	m.mu.RLock()
	defer m.mu.RUnlock()
	cands := []types.ScoredChunk{}
	for docID, chunks := range m.chunks {
		if !allowed(docID) {
			continue
		}
		filename := m.documents[docID].Filename
		for _, c := range chunks {
			dist := cosineDistance(query, c.Embedding)
			c.Embedding = slices.Clone(c.Embedding)
			cands = append(cands, types.ScoredChunk{
				Chunk:    c,
				Filename: filename,
				Distance: dist,
			})
		}
	}
	return rankTop(cands, topK), nil
}

func (m *MemoryStore) SaveExtraction(_ context.Context, ex types.Extraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extractions[ex.DocumentID] = ex
	return nil
}

func (m *MemoryStore) GetExtraction(_ context.Context, documentID string) (*types.Extraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.extractions[documentID]
	if !ok {
		return nil, fmt.Errorf("extraction for %s: %w", documentID, types.ErrNotFound)
	}
	return &ex, nil
}

func (m *MemoryStore) SaveAudit(_ context.Context, report types.AuditReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, report)
	return nil
}

func (m *MemoryStore) CreateWebhook(_ context.Context, sub *types.WebhookSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextHookID++
	sub.ID = m.nextHookID
	sub.CreatedAt = time.Now().UTC()
	m.webhooks = append(m.webhooks, *sub)
	return nil
}

func (m *MemoryStore) ListWebhooks(context.Context) ([]types.WebhookSubscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.webhooks), nil
}

func (m *MemoryStore) DeleteWebhook(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.webhooks)
	m.webhooks = slices.DeleteFunc(m.webhooks, func(w types.WebhookSubscription) bool { return w.ID == id })
	if len(m.webhooks) == n {
		return fmt.Errorf("webhook %d: %w", id, types.ErrNotFound)
	}
	return nil
}
