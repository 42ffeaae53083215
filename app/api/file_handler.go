package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"contractrag/loader"
	"contractrag/store"
	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

// Ingester stores and indexes one uploaded file.
type Ingester interface {
	Ingest(ctx context.Context, filename string, r io.Reader) (*loader.Result, error)
}

type FileHandler struct {
	ingester Ingester
	docs     store.DocumentStore
	logger   *slog.Logger
}

func NewFileHandler(ingester Ingester, docs store.DocumentStore) *FileHandler {
	return &FileHandler{
		ingester: ingester,
		docs:     docs,
		logger:   slog.Default(),
	}
}

// HandleIngest accepts one or more PDFs in the "files" form field. Either
// every file is ingested or none is kept.
func (h *FileHandler) HandleIngest(c *fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return NewError(fiber.StatusBadRequest, "multipart form with PDF files expected")
	}
	files := slices.Concat(form.File["files"], form.File["file"])
	if len(files) == 0 {
		return NewError(fiber.StatusBadRequest, "no files uploaded")
	}
	for _, fh := range files {
		if !strings.EqualFold(filepath.Ext(fh.Filename), ".pdf") {
			return NewError(fiber.StatusBadRequest, fmt.Sprintf("Only PDF files allowed: %s", fh.Filename))
		}
	}

	ctx := c.UserContext()
	resp := types.IngestResponse{DocumentIDs: make([]string, 0, len(files))}
	for _, fh := range files {
		res, err := h.ingestOne(ctx, fh)
		if err != nil {
			h.rollback(ctx, resp.DocumentIDs)
			return err
		}
		resp.DocumentIDs = append(resp.DocumentIDs, res.Document.ID)
		resp.TotalChunks += res.Chunks
	}

	resp.TotalDocuments = len(resp.DocumentIDs)
	resp.Message = fmt.Sprintf("Successfully ingested %d documents", resp.TotalDocuments)
	return c.JSON(resp)
}

func (h *FileHandler) ingestOne(ctx context.Context, fh *multipart.FileHeader) (*loader.Result, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()
	return h.ingester.Ingest(ctx, fh.Filename, f)
}

func (h *FileHandler) rollback(ctx context.Context, ids []string) {
	for _, id := range ids {
		if err := h.deleteDocument(context.WithoutCancel(ctx), id); err != nil {
			h.logger.Error("[INGEST] rollback failed", "document_id", id, "error", err)
		}
	}
}

func (h *FileHandler) HandleDelete(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return ErrInvalidID()
	}
	if err := h.deleteDocument(c.UserContext(), id); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return ErrNotFound(id, "document")
		}
		return err
	}
	return c.JSON(fiber.Map{"message": "Document deleted"})
}

// deleteDocument removes the stored row and the uploaded file.
func (h *FileHandler) deleteDocument(ctx context.Context, id string) error {
	doc, err := h.docs.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := h.docs.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("[INGEST] remove upload", "path", doc.FilePath, "error", err)
		}
	}
	return nil
}
