package extractor

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"contractrag/loader/chunker"
	"contractrag/model"
	"contractrag/prompts"
	"contractrag/types"
)

const (
	MethodLLM      = "llm"
	MethodRules    = "rules"
	MethodLLMRules = "llm+rules"

	// Модели отдается только начало договора
	promptTextLimit = 10000
	partiesLimit    = 5000
	maxParties      = 5
	maxTokens       = 2000
	maxAttempts     = 2
)

var (
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)effective\s+date[:\s]+(\w+\s+\d{1,2},?\s+\d{4})`),
		regexp.MustCompile(`(?i)dated\s+(\w+\s+\d{1,2},?\s+\d{4})`),
	}
	capPattern   = regexp.MustCompile(`\$\s*([\d,]+(?:\.\d{2})?)\s*(?:USD|dollars)?`)
	partyPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9&\-]*(?:\s+[A-Z][A-Za-z0-9&\-]*)*,?\s+(?:Incorporated|Inc|Corporation|Corp|Company|LLC|Limited|Ltd|GmbH|LLP|PLC)\b`)
)

// Extractor pulls structured fields out of contract text. Without a
// generator it runs the rules alone.
type Extractor struct {
	gen     model.Generator
	prompts *prompts.Set
	logger  *slog.Logger
}

func New(gen model.Generator, p *prompts.Set) *Extractor {
	return &Extractor{
		gen:     gen,
		prompts: p,
		logger:  slog.Default(),
	}
}

// Extract never fails on model problems: a broken backend or unparsable
// output leaves the rules to fill what they can. Only context cancellation
// is returned.
func (e *Extractor) Extract(ctx context.Context, documentID, text string) (*types.Extraction, error) {
	start := time.Now()

	ex, parsed := e.fromModel(ctx, text)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filled := applyRules(&ex, text)
	switch {
	case parsed && filled:
		ex.Method = MethodLLMRules
	case parsed:
		ex.Method = MethodLLM
	default:
		ex.Method = MethodRules
	}

	ex.DocumentID = documentID
	ex.ExtractedAt = time.Now().UTC()
	normalize(&ex)

	e.logger.Info("[EXTRACT] fields extracted", "document_id", documentID, "method", ex.Method, "took", time.Since(start))
	return &ex, nil
}

func (e *Extractor) fromModel(ctx context.Context, text string) (types.Extraction, bool) {
	if e.gen == nil {
		return types.Extraction{}, false
	}

	prompt, err := e.prompts.Extraction(chunker.Head(text, promptTextLimit))
	if err != nil {
		e.logger.Error("[EXTRACT] prompt render failed", "error", err)
		return types.Extraction{}, false
	}

	res, err := model.GenerateJSON[types.Extraction](ctx, e.gen, prompt, model.GenerateOptions{MaxTokens: maxTokens}, maxAttempts)
	if err != nil {
		e.logger.Warn("[EXTRACT] model unavailable, using rules", "error", err)
		return types.Extraction{}, false
	}
	if !res.Parsed() {
		e.logger.Warn("[EXTRACT] unparsable model output, using rules", "error", res.Err, "raw", chunker.Truncate(res.Raw, 200))
		return types.Extraction{}, false
	}
	return res.Value, true
}

// applyRules fills the fields the model left empty and reports whether any
// rule contributed a value.
func applyRules(ex *types.Extraction, text string) bool {
	filled := false

	if blank(ex.EffectiveDate) {
		ex.EffectiveDate = nil
		if d, ok := EffectiveDate(text); ok {
			ex.EffectiveDate = &d
			filled = true
		}
	}

	if ex.LiabilityCap == nil || ex.LiabilityCap.Number <= 0 {
		ex.LiabilityCap = LiabilityCap(text)
		filled = filled || ex.LiabilityCap != nil
	}

	if len(ex.Parties) == 0 {
		ex.Parties = Parties(text)
		filled = filled || len(ex.Parties) > 0
	}

	return filled
}

// EffectiveDate finds an "effective date" or "dated" phrase.
func EffectiveDate(text string) (string, bool) {
	for _, re := range datePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// LiabilityCap reads the first dollar amount in the text.
func LiabilityCap(text string) *types.Money {
	m := capPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return nil
	}
	return &types.Money{Number: n, Currency: "USD"}
}

// Parties collects company names with a legal-entity suffix from the head
// of the contract, in order of appearance.
func Parties(text string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, name := range partyPattern.FindAllString(chunker.Head(text, partiesLimit), -1) {
		name = strings.Join(strings.Fields(name), " ")
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
		if len(out) == maxParties {
			break
		}
	}
	return out
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}

// normalize turns empty model strings into absent fields and guarantees
// non-nil lists.
func normalize(ex *types.Extraction) {
	for _, f := range []**string{
		&ex.EffectiveDate, &ex.Term, &ex.GoverningLaw, &ex.PaymentTerms,
		&ex.Termination, &ex.AutoRenewal, &ex.Confidentiality, &ex.Indemnity,
	} {
		if blank(*f) {
			*f = nil
		}
	}
	if ex.LiabilityCap != nil && ex.LiabilityCap.Currency == "" {
		ex.LiabilityCap.Currency = "USD"
	}
	if ex.Parties == nil {
		ex.Parties = []string{}
	}
	sigs := ex.Signatories[:0]
	for _, s := range ex.Signatories {
		if strings.TrimSpace(s.Name) != "" {
			sigs = append(sigs, s)
		}
	}
	ex.Signatories = sigs
	if ex.Signatories == nil {
		ex.Signatories = []types.Signatory{}
	}
}
