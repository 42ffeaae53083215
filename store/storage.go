package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"contractrag/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ChunkStore persists chunk vectors and answers similarity queries.
type ChunkStore interface {
	// UpsertChunks atomically replaces every chunk of documentID.
	UpsertChunks(ctx context.Context, documentID string, chunks []types.Chunk) error
	// Nearest returns up to topK chunks by ascending cosine distance. A nil
	// filter searches every document.
	Nearest(ctx context.Context, query []float32, topK int, filter []string) ([]types.ScoredChunk, error)
	Dimension() int
}

type DocumentStore interface {
	SaveDocument(ctx context.Context, doc types.Document) error
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	// DeleteDocument removes the document together with its chunks,
	// extraction and audits.
	DeleteDocument(ctx context.Context, id string) error
}

type ExtractionStore interface {
	SaveExtraction(ctx context.Context, ex types.Extraction) error
	GetExtraction(ctx context.Context, documentID string) (*types.Extraction, error)
}

type AuditStore interface {
	SaveAudit(ctx context.Context, report types.AuditReport) error
}

type WebhookStore interface {
	CreateWebhook(ctx context.Context, sub *types.WebhookSubscription) error
	ListWebhooks(ctx context.Context) ([]types.WebhookSubscription, error)
	DeleteWebhook(ctx context.Context, id int64) error
}

type Storer interface {
	ChunkStore
	DocumentStore
	ExtractionStore
	AuditStore
	WebhookStore
	Ping(ctx context.Context) error
	Close() error
}

type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, connStr string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, types.ConfigurationError("embedding dimension must be positive, got %d", dim)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool: pool,
		dim:  dim,
	}, nil
}

func (p *PostgresStore) Dimension() int { return p.dim }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) SaveDocument(ctx context.Context, doc types.Document) error {
	pages, err := json.Marshal(doc.Pages)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO documents (id, filename, file_path, mime_type, file_size, page_count, full_text, pages, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			filename = EXCLUDED.filename,
			file_path = EXCLUDED.file_path,
			mime_type = EXCLUDED.mime_type,
			file_size = EXCLUDED.file_size,
			page_count = EXCLUDED.page_count,
			full_text = EXCLUDED.full_text,
			pages = EXCLUDED.pages,
			metadata = EXCLUDED.metadata
			`
	_, err = p.pool.Exec(ctx, query,
		doc.ID,
		doc.Filename,
		doc.FilePath,
		doc.MimeType,
		doc.FileSize,
		doc.PageCount,
		doc.Text,
		pages,
		meta,
		doc.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, filename, file_path, mime_type, file_size, page_count, full_text, pages, metadata, created_at
		FROM documents WHERE id = $1`, id)

	doc := &types.Document{}
	var pages, meta []byte
	if err := row.Scan(
		&doc.ID,
		&doc.Filename,
		&doc.FilePath,
		&doc.MimeType,
		&doc.FileSize,
		&doc.PageCount,
		&doc.Text,
		&pages,
		&meta,
		&doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal(pages, &doc.Pages); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}

func (p *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return nil
}

// UpsertChunks runs under a per-document advisory lock so concurrent ingests
// of the same document serialize instead of interleaving rows.
func (p *PostgresStore) UpsertChunks(ctx context.Context, documentID string, chunks []types.Chunk) error {
	if err := checkChunks(p.dim, chunks); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", documentID); err != nil {
		return fmt.Errorf("lock document %s: %w", documentID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("error deleting old chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO chunks (document_id, chunk_index, text, page_number, char_start, char_end, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			documentID, c.Index, c.Text, c.PageNumber, c.CharStart, c.CharEnd, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	log.Printf("[STORE] saved %d chunks for document %s", len(chunks), documentID)
	return nil
}

// Nearest scans exactly; the tie-break columns in ORDER BY keep the result
// deterministic for equal distances.
func (p *PostgresStore) Nearest(ctx context.Context, query []float32, topK int, filter []string) ([]types.ScoredChunk, error) {
	if err := checkNearest(p.dim, query, topK); err != nil {
		return nil, err
	}
	if filter != nil && len(filter) == 0 {
		return []types.ScoredChunk{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT c.document_id, c.chunk_index, c.text, c.page_number, c.char_start, c.char_end,
		       d.filename, c.embedding <=> $1 AS distance
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE $2::text[] IS NULL OR c.document_id = ANY($2)
		ORDER BY distance, c.document_id, c.chunk_index
		LIMIT $3
	`, pgvector.NewVector(query), filter, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []types.ScoredChunk{}
	for rows.Next() {
		var sc types.ScoredChunk
		if err := rows.Scan(
			&sc.DocumentID,
			&sc.Index,
			&sc.Text,
			&sc.PageNumber,
			&sc.CharStart,
			&sc.CharEnd,
			&sc.Filename,
			&sc.Distance); err != nil {
			return nil, err
		}
		sc.Rank = len(result) + 1
		log.Printf("[SEARCH] found chunk: %s, index: %d, distance: %.4f", sc.DocumentID, sc.Index, sc.Distance)
		result = append(result, sc)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SaveExtraction(ctx context.Context, ex types.Extraction) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO extractions (document_id, data, method, extracted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			data = EXCLUDED.data,
			method = EXCLUDED.method,
			extracted_at = EXCLUDED.extracted_at`,
		ex.DocumentID, data, ex.Method, ex.ExtractedAt)
	return err
}

func (p *PostgresStore) GetExtraction(ctx context.Context, documentID string) (*types.Extraction, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, "SELECT data FROM extractions WHERE document_id = $1", documentID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("extraction for %s: %w", documentID, types.ErrNotFound)
		}
		return nil, err
	}
	ex := &types.Extraction{}
	if err := json.Unmarshal(data, ex); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return ex, nil
}

func (p *PostgresStore) SaveAudit(ctx context.Context, report types.AuditReport) error {
	findings, err := json.Marshal(report.Findings)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO audits (document_id, findings, risk_score, summary) VALUES ($1, $2, $3, $4)`,
		report.DocumentID, findings, report.RiskScore, report.Summary)
	return err
}

func (p *PostgresStore) CreateWebhook(ctx context.Context, sub *types.WebhookSubscription) error {
	return p.pool.QueryRow(ctx, `INSERT INTO webhooks (url, event_types, secret, active)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		sub.URL, sub.EventTypes, sub.Secret, sub.Active).Scan(&sub.ID, &sub.CreatedAt)
}

func (p *PostgresStore) ListWebhooks(ctx context.Context) ([]types.WebhookSubscription, error) {
	rows, err := p.pool.Query(ctx, "SELECT id, url, event_types, secret, active, created_at FROM webhooks ORDER BY id")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.WebhookSubscription, error) {
		var w types.WebhookSubscription
		err := row.Scan(&w.ID, &w.URL, &w.EventTypes, &w.Secret, &w.Active, &w.CreatedAt)
		return w, err
	})
}

func (p *PostgresStore) DeleteWebhook(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) createTables(ctx context.Context) error {
	query := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT 'application/pdf',
		file_size BIGINT NOT NULL DEFAULT 0,
		page_count INT NOT NULL DEFAULT 0,
		full_text TEXT NOT NULL,
		pages JSONB NOT NULL DEFAULT '[]',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS chunks (
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_index INT NOT NULL,
		text TEXT NOT NULL,
		page_number INT NOT NULL,
		char_start INT NOT NULL,
		char_end INT NOT NULL,
		embedding vector(%d) NOT NULL,
		PRIMARY KEY (document_id, chunk_index)
	);

	CREATE TABLE IF NOT EXISTS extractions (
		document_id TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
		data JSONB NOT NULL,
		method TEXT NOT NULL,
		extracted_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audits (
		id BIGSERIAL PRIMARY KEY,
		document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		findings JSONB NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		summary TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS webhooks (
		id BIGSERIAL PRIMARY KEY,
		url TEXT NOT NULL,
		event_types TEXT[] NOT NULL DEFAULT '{}',
		secret TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE INDEX IF NOT EXISTS idx_audits_document_id ON audits(document_id);
	`, p.dim)
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	return p.createTables(ctx)
}

// Close закрывает пул подключений
func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		log.Println("Postgres connection pool is closed")
	}
	return nil
}
