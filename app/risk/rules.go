package risk

import (
	"fmt"
	"regexp"
	"strconv"

	"contractrag/types"
)

var (
	autoRenewalPattern = regexp.MustCompile(`(?i)(?:automatically\s+renew|auto-renew).*?(\d+)\s*days?\s*notice`)
	unlimitedPattern   = regexp.MustCompile(`(?i)unlimited\s+liability|liability\s+without\s+limit`)
	indemnityPattern   = regexp.MustCompile(`(?i)indemnify.*?(?:any|all)\s+(?:claims|losses|damages|liabilities)`)
	limitationPattern  = regexp.MustCompile(`(?i)limitation\s+of\s+liability`)
)

func ptr[T any](v T) *T { return &v }

func ruleFinding(riskType string, sev types.Severity, description, recommendation string) types.Finding {
	return types.Finding{
		RiskType:        riskType,
		Severity:        sev,
		Description:     description,
		Recommendations: ptr(recommendation),
		Source:          SourceRules,
	}
}

func withEvidence(f types.Finding, text string, pages []types.Page, start, end int) types.Finding {
	f.Evidence = ptr(text[start:end])
	locate(&f, pages, start, end)
	return f
}

// DetectRules runs the fixed rule set. Every finding except
// missing_liability_cap carries its matched span and page.
func DetectRules(text string, pages []types.Page) []types.Finding {
	var findings []types.Finding

	for _, m := range autoRenewalPattern.FindAllStringSubmatchIndex(text, -1) {
		days, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || days >= minNoticeDays {
			continue
		}
		f := ruleFinding("auto_renewal_short_notice", types.SeverityHigh,
			fmt.Sprintf("Auto-renewal clause with only %d days notice (< %d days recommended)", days, minNoticeDays),
			"Negotiate for at least 30 days notice period")
		findings = append(findings, withEvidence(f, text, pages, m[0], m[1]))
	}

	if m := unlimitedPattern.FindStringIndex(text); m != nil {
		f := ruleFinding("unlimited_liability", types.SeverityCritical,
			"Contract contains unlimited liability clause",
			"Cap liability at a reasonable multiple of contract value")
		findings = append(findings, withEvidence(f, text, pages, m[0], m[1]))
	}

	for _, m := range indemnityPattern.FindAllStringIndex(text, -1) {
		f := ruleFinding("broad_indemnity", types.SeverityHigh,
			"Broad indemnification clause detected",
			"Limit indemnity to direct damages and reasonable legal fees")
		findings = append(findings, withEvidence(f, text, pages, m[0], m[1]))
	}

	if !limitationPattern.MatchString(text) {
		findings = append(findings, ruleFinding("missing_liability_cap", types.SeverityHigh,
			"No limitation of liability clause found",
			"Add clause capping liability to contract value or reasonable amount"))
	}

	return findings
}
