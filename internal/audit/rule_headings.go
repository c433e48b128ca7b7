package audit

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// HeadingHierarchyRule flags documents whose heading levels skip (h2 followed
// by h4) or that have body content but no h1 (WCAG 1.3.1).
type HeadingHierarchyRule struct{}

// Name implements Rule.
func (r *HeadingHierarchyRule) Name() string { return "heading-hierarchy" }

// Evaluate implements Rule.
func (r *HeadingHierarchyRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	sawH1 := false
	prevLevel := 0
	headings := snapshot.Find("h1, h2, h3, h4, h5, h6")
	headings.Each(func(_ int, sel *goquery.Selection) {
		if isHidden(sel) {
			return
		}
		level := int(goquery.NodeName(sel)[1] - '0')
		if level == 1 {
			sawH1 = true
		}
		if prevLevel > 0 && level > prevLevel+1 {
			out = append(out, newViolation(snapshot, sel, scan.Violation{
				WCAGCriterion: "1.3.1",
				Severity:      scan.SeverityModerate,
				UserImpact: fmt.Sprintf(
					"The heading level jumps from h%d to h%d, so screen reader users navigating by headings lose the page structure.",
					prevLevel, level),
				LegalRisk:      scan.LegalRiskMedium,
				FixDescription: fmt.Sprintf("Use h%d here, or restructure the outline so levels increase one at a time.", prevLevel+1),
				FixSnippet:     fmt.Sprintf("<h%d>Section title</h%d>", prevLevel+1, prevLevel+1),
				FixEffortMins:  20,
				QuickWin:       false,
			}))
		}
		prevLevel = level
	})

	if !sawH1 && headings.Length() > 0 {
		first := headings.First()
		out = append(out, newViolation(snapshot, first, scan.Violation{
			WCAGCriterion:  "1.3.1",
			Severity:       scan.SeverityModerate,
			UserImpact:     "Without an h1, screen reader users have no top-level landmark describing what the page is about.",
			LegalRisk:      scan.LegalRiskMedium,
			FixDescription: "Add a single h1 that names the page's main topic before any lower-level headings.",
			FixSnippet:     "<h1>Page title</h1>",
			FixEffortMins:  15,
			QuickWin:       false,
		}))
	}
	return out
}
