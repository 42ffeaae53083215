package api

import (
	"context"
	"errors"
	"log/slog"

	"contractrag/app/metrics"
	"contractrag/app/webhook"
	"contractrag/store"
	"contractrag/types"

	"github.com/gofiber/fiber/v2"
)

type Extractor interface {
	Extract(ctx context.Context, documentID, text string) (*types.Extraction, error)
}

type Auditor interface {
	Analyze(ctx context.Context, doc types.Document, useLLM bool) (*types.AuditReport, error)
}

type Notifier interface {
	Notify(ctx context.Context, event string, data any)
}

// ContractStore is the persistence the extract and audit endpoints need.
type ContractStore interface {
	store.DocumentStore
	store.ExtractionStore
	store.AuditStore
}

type ContractHandler struct {
	store     ContractStore
	extractor Extractor
	auditor   Auditor
	notifier  Notifier
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewContractHandler(s ContractStore, extractor Extractor, auditor Auditor, notifier Notifier, m *metrics.Metrics) *ContractHandler {
	return &ContractHandler{
		store:     s,
		extractor: extractor,
		auditor:   auditor,
		notifier:  notifier,
		metrics:   m,
		logger:    slog.Default(),
	}
}

func (h *ContractHandler) document(c *fiber.Ctx, id string) (*types.Document, error) {
	doc, err := h.store.GetDocument(c.UserContext(), id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, ErrNotFound(id, "document")
	}
	return doc, err
}

// HandleExtract returns the stored extraction when one exists; otherwise it
// extracts, persists and announces a new one.
func (h *ContractHandler) HandleExtract(c *fiber.Ctx) error {
	var params types.DocumentParams
	if c.QueryParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	doc, err := h.document(c, params.DocumentID)
	if err != nil {
		return err
	}
	ctx := c.UserContext()

	existing, err := h.store.GetExtraction(ctx, doc.ID)
	switch {
	case err == nil:
		return c.JSON(existing)
	case !errors.Is(err, types.ErrNotFound):
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, answerTimeout)
	defer cancel()
	ex, err := h.extractor.Extract(ctx, doc.ID, doc.Text)
	if err != nil {
		return err
	}
	if err := h.store.SaveExtraction(ctx, *ex); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.ExtractionsComplete.WithLabelValues(ex.Method).Inc()
	}
	h.notify(ctx, webhook.EventExtractionComplete, map[string]any{
		"document_id": doc.ID,
		"status":      "success",
	})
	h.logger.Info("[EXTRACT] fields extracted", "document_id", doc.ID, "method", ex.Method)
	return c.JSON(ex)
}

// HandleAudit always runs a fresh audit; earlier reports are kept.
func (h *ContractHandler) HandleAudit(c *fiber.Ctx) error {
	var params types.AuditParams
	if c.QueryParser(&params) != nil {
		return ErrBadRequest()
	}
	if errors := types.Validate(&params); len(errors) > 0 {
		return NewValidationError(errors)
	}

	doc, err := h.document(c, params.DocumentID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), answerTimeout)
	defer cancel()
	report, err := h.auditor.Analyze(ctx, *doc, params.LLM())
	if err != nil {
		return err
	}
	if err := h.store.SaveAudit(ctx, *report); err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.AuditsComplete.Inc()
	}
	h.notify(ctx, webhook.EventAuditComplete, map[string]any{
		"document_id":    doc.ID,
		"findings_count": len(report.Findings),
		"risk_score":     report.RiskScore,
	})
	h.logger.Info("[AUDIT] audit completed", "document_id", doc.ID, "findings", len(report.Findings), "score", report.RiskScore)
	return c.JSON(report)
}

func (h *ContractHandler) notify(ctx context.Context, event string, data any) {
	if h.notifier != nil {
		h.notifier.Notify(context.WithoutCancel(ctx), event, data)
	}
}
