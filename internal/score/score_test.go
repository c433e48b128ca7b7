package score

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a11yops/scan-engine/internal/scan"
)

func TestScoreEmptyViolationList(t *testing.T) {
	t.Parallel()

	result := Score(nil)
	require.Equal(t, 100, result.WCAGScore)
	require.Equal(t, 0, result.RiskScore)
	require.Equal(t, 5, result.LawsuitProbability)
	require.Equal(t, 0, result.Summary.TotalViolations)
}

func TestScoreWorkedExample(t *testing.T) {
	t.Parallel()

	violations := []scan.Violation{
		{
			WCAGCriterion: "1.1.1",
			Severity:      scan.SeverityCritical,
			LegalRisk:     scan.LegalRiskHigh,
			FixEffortMins: 5,
			QuickWin:      true,
		},
		{
			WCAGCriterion: "1.4.3",
			Severity:      scan.SeveritySerious,
			LegalRisk:     scan.LegalRiskMedium,
			FixEffortMins: 15,
		},
	}

	result := Score(violations)

	// 100 - 15 - 8
	require.Equal(t, 77, result.WCAGScore)
	// 20*1 high legal + 15*1 critical + 2*2 total
	require.Equal(t, 39, result.RiskScore)
	// 5 + 12*2 litigation-prone criteria
	require.Equal(t, 29, result.LawsuitProbability)

	require.Equal(t, scan.SeverityCounts{Critical: 1, Serious: 1}, result.Summary.BySeverity)
	require.Equal(t, 2, result.Summary.TotalViolations)
	require.Equal(t, 1, result.Summary.QuickWins)
	require.Equal(t, 20, result.Summary.FixEffortMins)
	require.Equal(t, map[string]int{"1.1.1": 1, "1.4.3": 1}, result.Summary.ByCriterion)
}

func TestScoreIsDeterministic(t *testing.T) {
	t.Parallel()

	violations := []scan.Violation{
		{WCAGCriterion: "2.1.1", Severity: scan.SeverityCritical, LegalRisk: scan.LegalRiskHigh},
		{WCAGCriterion: "2.4.4", Severity: scan.SeverityModerate, LegalRisk: scan.LegalRiskLow},
	}
	first := Score(violations)
	second := Score(violations)
	require.Equal(t, first, second)
}

func TestWCAGScoreFloorsAtZero(t *testing.T) {
	t.Parallel()

	violations := make([]scan.Violation, 10)
	for i := range violations {
		violations[i] = scan.Violation{WCAGCriterion: "4.1.2", Severity: scan.SeverityCritical}
	}

	result := Score(violations)
	require.Equal(t, 0, result.WCAGScore)
}

func TestWCAGScoreNeverIncreasesAsViolationsAccumulate(t *testing.T) {
	t.Parallel()

	severities := []scan.Severity{
		scan.SeverityMinor, scan.SeverityCritical, scan.SeverityModerate,
		scan.SeveritySerious, scan.SeverityMinor, scan.SeverityCritical,
	}

	var violations []scan.Violation
	prev := Score(violations).WCAGScore
	for _, sev := range severities {
		violations = append(violations, scan.Violation{WCAGCriterion: "2.4.4", Severity: sev})
		got := Score(violations).WCAGScore
		require.LessOrEqual(t, got, prev)
		prev = got
	}
}

func TestRiskScoreCapsAt100(t *testing.T) {
	t.Parallel()

	violations := make([]scan.Violation, 20)
	for i := range violations {
		violations[i] = scan.Violation{
			WCAGCriterion: "1.1.1",
			Severity:      scan.SeverityCritical,
			LegalRisk:     scan.LegalRiskHigh,
		}
	}

	result := Score(violations)
	require.Equal(t, 100, result.RiskScore)
}

func TestLawsuitProbabilityCapsAt85(t *testing.T) {
	t.Parallel()

	violations := make([]scan.Violation, 10)
	for i := range violations {
		violations[i] = scan.Violation{WCAGCriterion: "2.1.1", Severity: scan.SeverityMinor}
	}

	result := Score(violations)
	require.Equal(t, 85, result.LawsuitProbability)
}

func TestLawsuitProbabilityIgnoresOtherCriteria(t *testing.T) {
	t.Parallel()

	violations := []scan.Violation{
		{WCAGCriterion: "2.4.4", Severity: scan.SeverityCritical},
		{WCAGCriterion: "1.3.1", Severity: scan.SeveritySerious},
	}

	result := Score(violations)
	require.Equal(t, 5, result.LawsuitProbability)
}

func TestSummarizeCountsBySeverityAndCriterion(t *testing.T) {
	t.Parallel()

	violations := []scan.Violation{
		{WCAGCriterion: "1.1.1", Severity: scan.SeverityCritical},
		{WCAGCriterion: "1.1.1", Severity: scan.SeverityCritical},
		{WCAGCriterion: "1.4.3", Severity: scan.SeveritySerious},
		{WCAGCriterion: "2.4.4", Severity: scan.SeverityModerate},
		{WCAGCriterion: "2.4.4", Severity: scan.SeverityMinor},
	}

	summary := Summarize(violations)
	require.Equal(t, scan.SeverityCounts{Critical: 2, Serious: 1, Moderate: 1, Minor: 1}, summary.BySeverity)
	require.Equal(t, 5, summary.TotalViolations)
	require.Equal(t, 2, summary.ByCriterion["1.1.1"])
	require.Equal(t, 2, summary.ByCriterion["2.4.4"])
	require.Equal(t, 5, summary.BySeverity.Total())
}
