package risk

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"contractrag/model"
	"contractrag/prompts"
	"contractrag/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	out string
	err error
}

func (g *stubGenerator) Generate(context.Context, string, model.GenerateOptions) (string, error) {
	return g.out, g.err
}

func (g *stubGenerator) Stream(context.Context, string, model.GenerateOptions) iter.Seq2[string, error] {
	return func(func(string, error) bool) {}
}

func (g *stubGenerator) ModelName() string { return "stub" }

func riskTypes(findings []types.Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.RiskType
	}
	return out
}

func TestDetectRules(t *testing.T) {
	page1 := "This agreement will automatically renew unless cancelled with 15 days notice.\n"
	page2 := "Vendor shall indemnify Client against all claims. Vendor accepts unlimited liability."
	text := page1 + page2
	pages := []types.Page{
		{Number: 1, CharStart: 0, CharEnd: len(page1)},
		{Number: 2, CharStart: len(page1), CharEnd: len(text)},
	}

	findings := DetectRules(text, pages)
	require.Equal(t, []string{
		"auto_renewal_short_notice",
		"unlimited_liability",
		"broad_indemnity",
		"missing_liability_cap",
	}, riskTypes(findings))

	renewal := findings[0]
	assert.Equal(t, types.SeverityHigh, renewal.Severity)
	assert.Equal(t, "Auto-renewal clause with only 15 days notice (< 30 days recommended)", renewal.Description)
	require.NotNil(t, renewal.Evidence)
	assert.Equal(t, "automatically renew unless cancelled with 15 days notice", *renewal.Evidence)
	assert.Equal(t, 1, *renewal.Page)
	assert.Equal(t, *renewal.Evidence, text[*renewal.CharStart:*renewal.CharEnd])
	assert.Equal(t, "Negotiate for at least 30 days notice period", *renewal.Recommendations)
	assert.Equal(t, SourceRules, renewal.Source)

	assert.Equal(t, types.SeverityCritical, findings[1].Severity)
	assert.Equal(t, "unlimited liability", *findings[1].Evidence)
	assert.Equal(t, 2, *findings[1].Page)

	assert.Equal(t, "indemnify Client against all claims", *findings[2].Evidence)
	assert.Equal(t, 2, *findings[2].Page)

	missing := findings[3]
	assert.Nil(t, missing.Evidence)
	assert.Nil(t, missing.Page)
	assert.Equal(t, "No limitation of liability clause found", missing.Description)
}

func TestDetectRules_LongNoticeAndLimitation(t *testing.T) {
	text := "The term will auto-renew with 60 days notice. LIMITATION OF LIABILITY: capped at fees paid."
	assert.Empty(t, DetectRules(text, nil))
}

func TestScoreAndSummary(t *testing.T) {
	f := func(s types.Severity) types.Finding { return types.Finding{Severity: s} }

	tests := []struct {
		name     string
		findings []types.Finding
		score    float64
		summary  string
	}{
		{"none", nil, 0, NoRisksSummary},
		{"critical and high", []types.Finding{f(types.SeverityCritical), f(types.SeverityHigh)}, 1.5,
			"Risk Score: 1.5/10. Found 2 issues: 1 critical, 1 high."},
		{"whole number keeps a decimal", []types.Finding{f(types.SeverityCritical), f(types.SeverityCritical)}, 2,
			"Risk Score: 2.0/10. Found 2 issues: 2 critical."},
		{"alphabetical severities", []types.Finding{f(types.SeverityMedium), f(types.SeverityLow), f(types.SeverityHigh)}, 0.9,
			"Risk Score: 0.9/10. Found 3 issues: 1 high, 1 low, 1 medium."},
		{"unknown severity weighs nothing", []types.Finding{f("odd")}, 0,
			"Risk Score: 0.0/10. Found 1 issues: 1 odd."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Score(tt.findings)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.summary, Summary(tt.findings, score))
		})
	}

	many := make([]types.Finding, 12)
	for i := range many {
		many[i] = f(types.SeverityCritical)
	}
	assert.Equal(t, 10.0, Score(many), "score is capped")
}

func TestAnalyze(t *testing.T) {
	doc := types.Document{
		ID:    "doc-1",
		Text:  "Payment within 90 days. The customer bears liability for late payment.",
		Pages: []types.Page{{Number: 1, CharStart: 0, CharEnd: 80}},
	}

	t.Run("rules only", func(t *testing.T) {
		gen := &stubGenerator{out: `{"findings":[]}`}
		report, err := New(gen, prompts.Default()).Analyze(context.Background(), doc, false)
		require.NoError(t, err)
		assert.Equal(t, "doc-1", report.DocumentID)
		assert.Equal(t, []string{"missing_liability_cap"}, riskTypes(report.Findings))
		assert.Equal(t, 0.5, report.RiskScore)
		assert.Equal(t, "Risk Score: 0.5/10. Found 1 issues: 1 high.", report.Summary)
	})

	t.Run("model findings are appended and located", func(t *testing.T) {
		gen := &stubGenerator{out: `Findings:
{"findings":[
 {"risk_type":"long_payment_terms","severity":"Medium","description":"Slow payment",
  "evidence":"Payment within 90 days","recommendations":"Ask for 30 days"},
 {"risk_type":"","severity":"low","description":"dropped"}
]}`}
		report, err := New(gen, prompts.Default()).Analyze(context.Background(), doc, true)
		require.NoError(t, err)
		require.Equal(t, []string{"missing_liability_cap", "long_payment_terms"}, riskTypes(report.Findings))

		llm := report.Findings[1]
		assert.Equal(t, SourceLLM, llm.Source)
		assert.Equal(t, types.SeverityMedium, llm.Severity)
		require.NotNil(t, llm.CharStart)
		assert.Equal(t, 0, *llm.CharStart)
		assert.Equal(t, len("Payment within 90 days"), *llm.CharEnd)
		assert.Equal(t, 1, *llm.Page)
		assert.Equal(t, 0.8, report.RiskScore)
	})

	t.Run("backend failure keeps rule findings", func(t *testing.T) {
		gen := &stubGenerator{err: types.BackendUnavailable("stub", errors.New("down"))}
		report, err := New(gen, prompts.Default()).Analyze(context.Background(), doc, true)
		require.NoError(t, err)
		assert.Len(t, report.Findings, 1)
	})

	t.Run("clean contract", func(t *testing.T) {
		clean := types.Document{ID: "doc-2", Text: strings.ToUpper("limitation of liability applies")}
		report, err := New(nil, prompts.Default()).Analyze(context.Background(), clean, true)
		require.NoError(t, err)
		assert.Equal(t, []types.Finding{}, report.Findings)
		assert.Equal(t, 0.0, report.RiskScore)
		assert.Equal(t, NoRisksSummary, report.Summary)
	})
}
