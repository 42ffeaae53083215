package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"contractrag/types"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	file_path TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT 'application/pdf',
	file_size INTEGER NOT NULL DEFAULT 0,
	page_count INTEGER NOT NULL DEFAULT 0,
	full_text TEXT NOT NULL,
	pages TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	page_number INTEGER NOT NULL,
	char_start INTEGER NOT NULL,
	char_end INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	PRIMARY KEY (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS extractions (
	document_id TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
	data TEXT NOT NULL,
	method TEXT NOT NULL,
	extracted_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	findings TEXT NOT NULL,
	risk_score REAL NOT NULL,
	summary TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS webhooks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL,
	event_types TEXT NOT NULL DEFAULT '[]',
	secret TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
`

// SQLiteStore is a single-file backend for local use. Similarity search
// loads the eligible vectors and ranks them in process.
type SQLiteStore struct {
	db  *sql.DB
	dim int
	// serializes chunk replacement per store
	writeMu sync.Mutex
}

func NewSQLiteStore(path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, types.ConfigurationError("embedding dimension must be positive, got %d", dim)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, dim: dim}, nil
}

func (s *SQLiteStore) Dimension() int { return s.dim }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc types.Document) error {
	pages, err := json.Marshal(doc.Pages)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO documents (id, filename, file_path, mime_type, file_size, page_count, full_text, pages, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			filename = excluded.filename,
			file_path = excluded.file_path,
			mime_type = excluded.mime_type,
			file_size = excluded.file_size,
			page_count = excluded.page_count,
			full_text = excluded.full_text,
			pages = excluded.pages,
			metadata = excluded.metadata`,
		doc.ID, doc.Filename, doc.FilePath, doc.MimeType, doc.FileSize, doc.PageCount, doc.Text,
		string(pages), string(meta), doc.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	doc := &types.Document{}
	var pages, meta string
	err := s.db.QueryRowContext(ctx, `SELECT id, filename, file_path, mime_type, file_size, page_count, full_text, pages, metadata, created_at
		FROM documents WHERE id = ?`, id).Scan(
		&doc.ID, &doc.Filename, &doc.FilePath, &doc.MimeType, &doc.FileSize, &doc.PageCount, &doc.Text,
		&pages, &meta, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(pages), &doc.Pages); err != nil {
		return nil, fmt.Errorf("decode pages: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return doc, nil
}

func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) UpsertChunks(ctx context.Context, documentID string, chunks []types.Chunk) error {
	if err := checkChunks(s.dim, chunks); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("error deleting old chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, chunk_index, text, page_number, char_start, char_end, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, documentID, c.Index, c.Text, c.PageNumber, c.CharStart, c.CharEnd, vectorBlob(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Nearest(ctx context.Context, query []float32, topK int, filter []string) ([]types.ScoredChunk, error) {
	if err := checkNearest(s.dim, query, topK); err != nil {
		return nil, err
	}
	if filter != nil && len(filter) == 0 {
		return []types.ScoredChunk{}, nil
	}

	q := `SELECT c.document_id, c.chunk_index, c.text, c.page_number, c.char_start, c.char_end, c.embedding, d.filename
		FROM chunks c JOIN documents d ON d.id = c.document_id`
	var args []any
	if filter != nil {
		q += " WHERE c.document_id IN (?" + strings.Repeat(",?", len(filter)-1) + ")"
		for _, id := range filter {
			args = append(args, id)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cands := []types.ScoredChunk{}
	for rows.Next() {
		var sc types.ScoredChunk
		var blob []byte
		if err := rows.Scan(&sc.DocumentID, &sc.Index, &sc.Text, &sc.PageNumber, &sc.CharStart, &sc.CharEnd, &blob, &sc.Filename); err != nil {
			return nil, err
		}
		vec, err := blobVector(blob)
		if err != nil {
			return nil, err
		}
		// размерность в схеме не хранится, индекс мог быть построен другой моделью
		if len(vec) != s.dim {
			return nil, types.DimensionMismatch(s.dim, len(vec))
		}
		sc.Distance = cosineDistance(query, vec)
		cands = append(cands, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rankTop(cands, topK), nil
}

func (s *SQLiteStore) SaveExtraction(ctx context.Context, ex types.Extraction) error {
	data, err := json.Marshal(ex)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO extractions (document_id, data, method, extracted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id) DO UPDATE SET data = excluded.data, method = excluded.method, extracted_at = excluded.extracted_at`,
		ex.DocumentID, string(data), ex.Method, ex.ExtractedAt.UTC())
	return err
}

func (s *SQLiteStore) GetExtraction(ctx context.Context, documentID string) (*types.Extraction, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM extractions WHERE document_id = ?", documentID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("extraction for %s: %w", documentID, types.ErrNotFound)
		}
		return nil, err
	}
	ex := &types.Extraction{}
	if err := json.Unmarshal([]byte(data), ex); err != nil {
		return nil, fmt.Errorf("decode extraction: %w", err)
	}
	return ex, nil
}

func (s *SQLiteStore) SaveAudit(ctx context.Context, report types.AuditReport) error {
	findings, err := json.Marshal(report.Findings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT INTO audits (document_id, findings, risk_score, summary) VALUES (?, ?, ?, ?)",
		report.DocumentID, string(findings), report.RiskScore, report.Summary)
	return err
}

func (s *SQLiteStore) CreateWebhook(ctx context.Context, sub *types.WebhookSubscription) error {
	events, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return err
	}
	sub.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, "INSERT INTO webhooks (url, event_types, secret, active, created_at) VALUES (?, ?, ?, ?, ?)",
		sub.URL, string(events), sub.Secret, sub.Active, sub.CreatedAt)
	if err != nil {
		return err
	}
	sub.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListWebhooks(ctx context.Context) ([]types.WebhookSubscription, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, url, event_types, secret, active, created_at FROM webhooks ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WebhookSubscription
	for rows.Next() {
		var w types.WebhookSubscription
		var events string
		if err := rows.Scan(&w.ID, &w.URL, &events, &w.Secret, &w.Active, &w.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(events), &w.EventTypes); err != nil {
			return nil, fmt.Errorf("decode event types: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWebhook(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM webhooks WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("webhook %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func vectorBlob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func blobVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt embedding blob of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
