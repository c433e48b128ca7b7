package audit

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/a11yops/scan-engine/internal/scan"
)

// LabelAssociationRule flags form controls with no programmatically
// associated label (WCAG 3.3.2).
type LabelAssociationRule struct{}

// Input types that take no user-visible value and need no label.
var unlabeledInputTypes = map[string]bool{
	"hidden": true,
	"submit": true,
	"button": true,
	"reset":  true,
	"image":  true,
}

// Name implements Rule.
func (r *LabelAssociationRule) Name() string { return "label-association" }

// Evaluate implements Rule.
func (r *LabelAssociationRule) Evaluate(snapshot *PageSnapshot) []scan.Violation {
	var out []scan.Violation
	snapshot.Each("input, select, textarea", func(sel *goquery.Selection) {
		if goquery.NodeName(sel) == "input" {
			inputType := strings.ToLower(sel.AttrOr("type", "text"))
			if unlabeledInputTypes[inputType] {
				return
			}
		}
		if hasLabel(snapshot, sel) {
			return
		}
		out = append(out, newViolation(snapshot, sel, scan.Violation{
			WCAGCriterion: "3.3.2",
			Severity:      scan.SeverityCritical,
			UserImpact:    "Assistive technology cannot announce what this field is for, so users may submit wrong or incomplete data.",
			LegalRisk:     scan.LegalRiskHigh,
			FixDescription: "Associate a visible label using a label element with a for attribute " +
				"matching the control's id, or wrap the control in the label.",
			FixSnippet:    `<label for="email">Email address</label>` + "\n" + `<input id="email" type="email">`,
			FixEffortMins: 10,
			QuickWin:      true,
		}))
	})
	return out
}

func hasLabel(snapshot *PageSnapshot, sel *goquery.Selection) bool {
	if id, ok := sel.Attr("id"); ok && id != "" {
		if snapshot.Find("label[for='"+id+"']").Length() > 0 {
			return true
		}
	}
	if sel.ParentsFiltered("label").Length() > 0 {
		return true
	}
	if v, ok := sel.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("aria-labelledby"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	if v, ok := sel.Attr("title"); ok && strings.TrimSpace(v) != "" {
		return true
	}
	return false
}
