// Package loader turns PDF files into indexed documents.
package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"contractrag/app/metrics"
	"contractrag/app/webhook"
	"contractrag/loader/internal"
	"contractrag/store"
	"contractrag/types"

	"github.com/google/uuid"
)

const MimePDF = "application/pdf"

// Indexer chunks, embeds and stores a document's text.
type Indexer interface {
	IngestChunks(ctx context.Context, documentID, fullText string, pages []types.Page) (int, error)
}

// Notifier receives events after the change they describe is committed.
type Notifier interface {
	Notify(ctx context.Context, event string, data any)
}

type Options struct {
	UploadDir string
	MaxBytes  int64
	// Поля колонтитулов в пунктах, 0 отключает обрезку
	CropTop    float64
	CropBottom float64
}

type Ingestor struct {
	docs     store.DocumentStore
	indexer  Indexer
	notifier Notifier
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
}

// NewIngestor creates the upload directory. notifier and m may be nil.
func NewIngestor(docs store.DocumentStore, indexer Indexer, notifier Notifier, m *metrics.Metrics, opts Options) (*Ingestor, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if err := os.MkdirAll(opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Ingestor{
		docs:     docs,
		indexer:  indexer,
		notifier: notifier,
		metrics:  m,
		opts:     opts,
		logger:   slog.Default(),
	}, nil
}

// Result describes one ingested document.
type Result struct {
	Document *types.Document
	Chunks   int
}

// IngestPath ingests a file already on disk. The source file is left alone.
func (i *Ingestor) IngestPath(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return i.Ingest(ctx, filepath.Base(path), f)
}

// Ingest stores the upload, extracts its text and indexes it. A failure
// after the document row is written removes the document again.
func (i *Ingestor) Ingest(ctx context.Context, filename string, r io.Reader) (*Result, error) {
	start := time.Now()
	filename = filepath.Base(filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return nil, types.InvalidArgument("only PDF files allowed: %s", filename)
	}

	id := uuid.NewString()
	path := filepath.Join(i.opts.UploadDir, id+"_"+filename)
	size, err := i.save(path, r)
	if err != nil {
		return nil, err
	}

	doc, err := i.parse(id, filename, path, size)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := i.docs.SaveDocument(ctx, *doc); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("save document %s: %w", id, err)
	}

	n, err := i.indexer.IngestChunks(ctx, id, doc.Text, doc.Pages)
	if err != nil {
		if derr := i.docs.DeleteDocument(context.WithoutCancel(ctx), id); derr != nil {
			i.logger.Error("[INGEST] rollback failed", "document_id", id, "error", derr)
		}
		os.Remove(path)
		return nil, err
	}

	if i.metrics != nil {
		i.metrics.DocumentsIngested.Inc()
		i.metrics.ChunksCreated.Add(float64(n))
	}
	if i.notifier != nil {
		i.notifier.Notify(ctx, webhook.EventDocumentIngested, map[string]any{
			"document_id": id,
			"filename":    filename,
			"page_count":  doc.PageCount,
			"chunks":      n,
		})
	}

	i.logger.Info("[INGEST] document ingested", "document_id", id, "file", filename,
		"pages", doc.PageCount, "chunks", n, "took", time.Since(start))
	return &Result{Document: doc, Chunks: n}, nil
}

func (i *Ingestor) save(path string, r io.Reader) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}

	src := r
	if i.opts.MaxBytes > 0 {
		src = io.LimitReader(r, i.opts.MaxBytes+1)
	}
	size, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if i.opts.MaxBytes > 0 && size > i.opts.MaxBytes {
		os.Remove(path)
		return 0, types.InvalidArgument("file exceeds the upload limit of %d bytes", i.opts.MaxBytes)
	}
	return size, nil
}

func (i *Ingestor) parse(id, filename, path string, size int64) (*types.Document, error) {
	if err := internal.ValidatePDF(path); err != nil {
		return nil, err
	}
	if err := internal.RemoveHeaderFooterCrop(path, path, i.opts.CropTop, i.opts.CropBottom); err != nil {
		i.logger.Warn("[INGEST] header/footer crop skipped", "file", filename, "error", err)
	}

	ex, err := internal.ExtractText(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(ex.Text) == "" {
		i.logger.Warn("[INGEST] no text layer found", "file", filename, "pages", ex.PageCount)
	}

	return &types.Document{
		ID:        id,
		Filename:  filename,
		FilePath:  path,
		MimeType:  MimePDF,
		FileSize:  size,
		PageCount: ex.PageCount,
		Text:      ex.Text,
		Pages:     ex.Pages,
		Metadata:  ex.Metadata,
		CreatedAt: time.Now().UTC(),
	}, nil
}
