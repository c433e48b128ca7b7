package audit

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// KeyboardRule flags click targets that keyboard users cannot reach
// (WCAG 2.1.1): non-interactive elements given click behavior or an
// interactive role without being made focusable.
type KeyboardRule struct{}

// Natively focusable elements; these never need an explicit tabindex.
var nativelyFocusable = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"summary":  true,
}

// Name implements Rule.
func (r *KeyboardRule) Name() string { return "keyboard-operability" }

// Evaluate implements Rule.
func (r *KeyboardRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	snapshot.Each("[onclick], [role='button'], [role='link'], [role='menuitem']", func(sel *goquery.Selection) {
		tag := goquery.NodeName(sel)
		if nativelyFocusable[tag] {
			return
		}
		if focusable(sel) {
			return
		}
		out = append(out, newViolation(snapshot, sel, scan.Violation{
			WCAGCriterion: "2.1.1",
			Severity:      scan.SeveritySerious,
			UserImpact:    "Keyboard-only and switch-device users cannot activate this control; it is only reachable with a mouse.",
			LegalRisk:     scan.LegalRiskHigh,
			FixDescription: "Use a native button or link, or add tabindex=\"0\" plus a keydown " +
				"handler for Enter and Space.",
			FixSnippet:    `<button type="button" onclick="...">Action</button>`,
			FixEffortMins: 15,
			QuickWin:      false,
		}))
	})
	return out
}

func focusable(sel *goquery.Selection) bool {
	raw, ok := sel.Attr("tabindex")
	if !ok {
		return false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return idx >= 0
}
