package audit

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// TextAlternativesRule flags images with no text alternative (WCAG 1.1.1).
// An explicit empty alt marks the image decorative and passes.
type TextAlternativesRule struct{}

// Name implements Rule.
func (r *TextAlternativesRule) Name() string { return "text-alternatives" }

// Evaluate implements Rule.
func (r *TextAlternativesRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	snapshot.Each("img, input[type='image'], area[href]", func(sel *goquery.Selection) {
		if hasTextAlternative(sel) {
			return
		}
		out = append(out, newViolation(snapshot, sel, scan.Violation{
			WCAGCriterion: "1.1.1",
			Severity:      scan.SeverityCritical,
			UserImpact:    "Screen reader users hear only the file name or nothing at all, so the image's information is lost to them.",
			LegalRisk:     scan.LegalRiskHigh,
			FixDescription: "Add an alt attribute describing the image's purpose. " +
				"Use alt=\"\" only for purely decorative images.",
			FixSnippet:    `<img src="..." alt="Describe what the image conveys">`,
			FixEffortMins: 5,
			QuickWin:      true,
		}))
	})
	return out
}

func hasTextAlternative(sel *goquery.Selection) bool {
	if _, ok := sel.Attr("alt"); ok {
		// Empty alt is a deliberate decorative marker.
		return true
	}
	if v, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("aria-labelledby"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if role, ok := sel.Attr("role"); ok {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "presentation" || role == "none" {
			return true
		}
	}
	return false
}
