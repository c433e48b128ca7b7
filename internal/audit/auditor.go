package audit

import (
	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

// Rule is one accessibility check scoped to a single concern. Rules run
// independently; their outputs are concatenated, so one element may appear in
// violations from several rules.
type Rule interface {
	Name() string
	Evaluate(snapshot *PageSnapshot) []scan.Violation
}

// Catalog returns the fixed rule table. Order is stable so violation output
// is deterministic for a given snapshot.
func Catalog() []Rule {
	return []Rule{
		&TextAlternativesRule{},
		&LabelAssociationRule{},
		&KeyboardRule{},
		&ContrastRule{},
		&HeadingHierarchyRule{},
		&AccessibleNameRule{},
	}
}

// Auditor evaluates rendered pages against the rule catalog.
type Auditor struct {
	rules  []Rule
	logger *zap.Logger
}

// New constructs an Auditor over the default catalog.
func New(logger *zap.Logger) *Auditor {
	return NewWithRules(Catalog(), logger)
}

// NewWithRules constructs an Auditor over an explicit rule table.
func NewWithRules(rules []Rule, logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{rules: rules, logger: logger}
}

// Audit runs every rule against the page and returns the concatenated
// violations. Partial page loads and malformed markup never abort the audit:
// unparseable input audits as empty, and a rule that panics on an unexpected
// DOM shape is skipped while the remaining rules still run.
func (a *Auditor) Audit(page scan.Page) []scan.Violation {
	snapshot, err := NewSnapshot(page)
	if err != nil {
		a.logger.Warn("page snapshot unparseable, skipping audit",
			zap.String("url", page.URL), zap.Error(err))
		return nil
	}
	var violations []scan.Violation
	for _, rule := range a.rules {
		violations = append(violations, a.runRule(rule, snapshot)...)
	}
	return violations
}

func (a *Auditor) runRule(rule Rule, snapshot *PageSnapshot) (out []scan.Violation) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Warn("audit rule panicked, skipping",
				zap.String("rule", rule.Name()),
				zap.String("url", snapshot.URL),
				zap.Any("panic", r),
			)
			out = nil
		}
	}()
	return rule.Evaluate(snapshot)
}

// newViolation fills the fields common to every rule's output.
func newViolation(snapshot *PageSnapshot, sel *goquery.Selection, v scan.Violation) scan.Violation {
	v.PageURL = snapshot.URL
	v.ElementSelector = cssSelector(sel)
	v.ElementSnippet = elementSnippet(sel)
	return v
}
