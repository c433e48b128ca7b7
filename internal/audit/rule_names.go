package audit

import (
	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// AccessibleNameRule flags links and buttons exposing no accessible name to
// assistive technology (WCAG 4.1.2).
type AccessibleNameRule struct{}

// Name implements Rule.
func (r *AccessibleNameRule) Name() string { return "accessible-name" }

// Evaluate implements Rule.
func (r *AccessibleNameRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	snapshot.Each("a[href], button, [role='button']", func(sel *goquery.Selection) {
		if accessibleText(sel) {
			return
		}
		if goquery.NodeName(sel) == "input" {
			// Value-bearing inputs are covered by the label rule.
			return
		}
		out = append(out, newViolation(snapshot, sel, scan.Violation{
			WCAGCriterion:  "4.1.2",
			Severity:       scan.SeveritySerious,
			UserImpact:     "Screen readers announce this control as just \"link\" or \"button\" with no indication of what it does.",
			LegalRisk:      scan.LegalRiskHigh,
			FixDescription: "Give the control visible text, or an aria-label when the design is icon-only.",
			FixSnippet:     `<button aria-label="Close dialog">×</button>`,
			FixEffortMins:  5,
			QuickWin:       true,
		}))
	})
	return out
}
