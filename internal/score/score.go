// Package score reduces violation lists to comparable compliance and risk
// metrics. Every function here is deterministic and free of hidden state.
package score

import (
	"github.com/a11yops/scan-engine/internal/scan"
)

// Severity weights subtracted from a perfect WCAG score.
const (
	weightCritical = 15
	weightSerious  = 8
	weightModerate = 3
	weightMinor    = 1
)

// Risk score coefficients.
const (
	riskPerHighLegal = 20
	riskPerCritical  = 15
	riskPerViolation = 2
	riskCeiling      = 100
)

// Lawsuit probability heuristic. The figures are placeholder constants kept
// for behavioral parity with the production scoring tables.
const (
	lawsuitBase          = 5
	lawsuitPerLitigation = 12
	lawsuitCeiling       = 85
)

// highLitigationCriteria are the WCAG criteria most commonly cited in
// accessibility complaints.
var highLitigationCriteria = map[string]bool{
	"1.1.1": true,
	"2.1.1": true,
	"3.3.2": true,
	"1.4.3": true,
	"4.1.2": true,
}

// Score computes the WCAG compliance score, risk score, lawsuit probability,
// and summary for a violation list. Calling it twice on the same input yields
// identical output.
func Score(violations []scan.Violation) scan.Result {
	summary := Summarize(violations)

	penalty := summary.BySeverity.Critical*weightCritical +
		summary.BySeverity.Serious*weightSerious +
		summary.BySeverity.Moderate*weightModerate +
		summary.BySeverity.Minor*weightMinor
	wcag := 100 - penalty
	if wcag < 0 {
		wcag = 0
	}

	highLegal := 0
	litigation := 0
	for _, v := range violations {
		if v.LegalRisk == scan.LegalRiskHigh {
			highLegal++
		}
		if highLitigationCriteria[v.WCAGCriterion] {
			litigation++
		}
	}

	risk := riskPerHighLegal*highLegal +
		riskPerCritical*summary.BySeverity.Critical +
		riskPerViolation*len(violations)
	if risk > riskCeiling {
		risk = riskCeiling
	}

	lawsuit := lawsuitBase + lawsuitPerLitigation*litigation
	if lawsuit > lawsuitCeiling {
		lawsuit = lawsuitCeiling
	}

	return scan.Result{
		WCAGScore:          wcag,
		RiskScore:          risk,
		LawsuitProbability: lawsuit,
		Summary:            summary,
	}
}

// Summarize groups counts by severity and criterion and totals the estimated
// fix effort.
func Summarize(violations []scan.Violation) scan.Summary {
	summary := scan.Summary{
		ByCriterion:     make(map[string]int),
		TotalViolations: len(violations),
	}
	for _, v := range violations {
		switch v.Severity {
		case scan.SeverityCritical:
			summary.BySeverity.Critical++
		case scan.SeveritySerious:
			summary.BySeverity.Serious++
		case scan.SeverityModerate:
			summary.BySeverity.Moderate++
		case scan.SeverityMinor:
			summary.BySeverity.Minor++
		}
		summary.ByCriterion[v.WCAGCriterion]++
		summary.FixEffortMins += v.FixEffortMins
		if v.QuickWin {
			summary.QuickWins++
		}
	}
	return summary
}
