package audit

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// ContrastRule flags text whose foreground/background contrast falls below
// the WCAG 1.4.3 thresholds: 4.5:1 for normal text, 3:1 for large text.
type ContrastRule struct{}

const (
	normalTextMinRatio = 4.5
	largeTextMinRatio  = 3.0
)

// textSelectors are the elements whose direct text content is checked.
const textSelectors = "p, span, a, li, td, th, h1, h2, h3, h4, h5, h6, label, button, dd, dt, figcaption, blockquote"

// Name implements Rule.
func (r *ContrastRule) Name() string { return "color-contrast" }

// Evaluate implements Rule.
func (r *ContrastRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	snapshot.Each(textSelectors, func(sel *goquery.Selection) {
		if !hasDirectText(sel) {
			return
		}
		fg, ok := parseColor(styleValue(sel, attrColor, "color"))
		if !ok {
			// Unknown foreground; skip rather than guess.
			return
		}
		bg := effectiveBackground(sel)
		ratio := contrastRatio(fg, bg)
		required := normalTextMinRatio
		if isLargeText(sel) {
			required = largeTextMinRatio
		}
		if ratio >= required {
			return
		}
		out = append(out, newViolation(snapshot, sel, scan.Violation{
			WCAGCriterion: "1.4.3",
			Severity:      scan.SeveritySerious,
			UserImpact: fmt.Sprintf(
				"Text contrast is %.2f:1 but %.1f:1 is required; users with low vision or color deficits may not be able to read it.",
				ratio, required),
			LegalRisk: scan.LegalRiskHigh,
			FixDescription: fmt.Sprintf(
				"Darken the text or lighten the background until the contrast ratio reaches at least %.1f:1.", required),
			FixSnippet:    `style="color: #1a1a1a; background-color: #ffffff"`,
			FixEffortMins: 10,
			QuickWin:      true,
		}))
	})
	return out
}

// hasDirectText reports whether the element owns text of its own, not just
// text inside child elements (children are checked separately).
func hasDirectText(sel *goquery.Selection) bool {
	direct := sel.Contents().FilterFunction(func(_ int, n *goquery.Selection) bool {
		return goquery.NodeName(n) == "#text"
	})
	var b strings.Builder
	direct.Each(func(_ int, n *goquery.Selection) {
		b.WriteString(n.Text())
	})
	return strings.TrimSpace(b.String()) != ""
}
