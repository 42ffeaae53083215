package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"contractrag/loader/chunker"
	"contractrag/model"
	"contractrag/prompts"
	"contractrag/types"
)

const (
	SourceRules = "rules"
	SourceLLM   = "llm"

	NoRisksSummary = "No significant risks detected in this contract."

	minNoticeDays   = 30
	maxScore        = 10.0
	promptTextLimit = 10000
	maxTokens       = 2000
	maxAttempts     = 2
)

// Analyzer scores a contract with fixed rules and, optionally, model
// findings.
type Analyzer struct {
	gen     model.Generator
	prompts *prompts.Set
	logger  *slog.Logger
}

func New(gen model.Generator, p *prompts.Set) *Analyzer {
	return &Analyzer{
		gen:     gen,
		prompts: p,
		logger:  slog.Default(),
	}
}

type llmFindings struct {
	Findings []types.Finding `json:"findings"`
}

// Analyze always returns a report. Model failures drop the model findings
// and are only logged; context cancellation is returned.
func (a *Analyzer) Analyze(ctx context.Context, doc types.Document, useLLM bool) (*types.AuditReport, error) {
	start := time.Now()

	findings := DetectRules(doc.Text, doc.Pages)
	if useLLM && a.gen != nil {
		findings = append(findings, a.detectLLM(ctx, doc)...)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if findings == nil {
		findings = []types.Finding{}
	}
	score := Score(findings)
	report := &types.AuditReport{
		DocumentID: doc.ID,
		Findings:   findings,
		RiskScore:  score,
		Summary:    Summary(findings, score),
	}
	a.logger.Info("[AUDIT] document analyzed", "document_id", doc.ID, "findings", len(findings), "score", score, "took", time.Since(start))
	return report, nil
}

func (a *Analyzer) detectLLM(ctx context.Context, doc types.Document) []types.Finding {
	prompt, err := a.prompts.Risk(chunker.Head(doc.Text, promptTextLimit))
	if err != nil {
		a.logger.Error("[AUDIT] prompt render failed", "error", err)
		return nil
	}

	res, err := model.GenerateJSON[llmFindings](ctx, a.gen, prompt, model.GenerateOptions{MaxTokens: maxTokens}, maxAttempts)
	if err != nil {
		a.logger.Warn("[AUDIT] model unavailable, rules only", "error", err)
		return nil
	}
	if !res.Parsed() {
		a.logger.Warn("[AUDIT] unparsable model findings, rules only", "error", res.Err)
		return nil
	}

	out := make([]types.Finding, 0, len(res.Value.Findings))
	for _, f := range res.Value.Findings {
		if strings.TrimSpace(f.RiskType) == "" {
			continue
		}
		f.Severity = types.Severity(strings.ToLower(strings.TrimSpace(string(f.Severity))))
		f.Source = SourceLLM
		f.Page, f.CharStart, f.CharEnd = nil, nil, nil
		if f.Evidence != nil {
			if strings.TrimSpace(*f.Evidence) == "" {
				f.Evidence = nil
			} else if i := strings.Index(doc.Text, *f.Evidence); i >= 0 {
				locate(&f, doc.Pages, i, i+len(*f.Evidence))
			}
		}
		out = append(out, f)
	}
	return out
}

func locate(f *types.Finding, pages []types.Page, start, end int) {
	page := types.PageAt(pages, start)
	f.Page = &page
	f.CharStart = &start
	f.CharEnd = &end
}

// Score sums severity weights into the 0..10 range, rounded to two decimals.
func Score(findings []types.Finding) float64 {
	total := 0
	for _, f := range findings {
		total += f.Severity.Weight()
	}
	score := math.Min(float64(total)/10, maxScore)
	return math.Round(score*100) / 100
}

// Summary reads like "Risk Score: 1.5/10. Found 2 issues: 1 critical, 1 high."
// with severities in alphabetical order.
func Summary(findings []types.Finding, score float64) string {
	if len(findings) == 0 {
		return NoRisksSummary
	}

	counts := make(map[types.Severity]int)
	for _, f := range findings {
		counts[f.Severity]++
	}
	severities := make([]types.Severity, 0, len(counts))
	for s := range counts {
		severities = append(severities, s)
	}
	slices.Sort(severities)

	parts := make([]string, len(severities))
	for i, s := range severities {
		parts[i] = fmt.Sprintf("%d %s", counts[s], s)
	}
	return fmt.Sprintf("Risk Score: %s/10. Found %d issues: %s.", formatScore(score), len(findings), strings.Join(parts, ", "))
}

// formatScore always keeps one decimal: 2 -> "2.0", 1.25 -> "1.25".
func formatScore(score float64) string {
	s := strconv.FormatFloat(score, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
