package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/a11yops/scan-engine/internal/scan"
)

func newMockStore(t *testing.T) (*ScanStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewScanStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func TestCreateScanInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO scans").
		WithArgs("scan-1", "https://example.com", "example.com", "org-1", "pro", 3, "queued").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateScan(context.Background(), scan.Scan{
		ID:     "scan-1",
		URL:    "https://example.com",
		Domain: "example.com",
		OrgID:  "org-1",
		Tier:   scan.TierPro,
		Depth:  3,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scans").
		WithArgs("scan-1", "crawling", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.UpdateScanStatus(context.Background(), "scan-1", scan.ScanStatusCrawling, "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScanStatusUnknownScan(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE scans").
		WithArgs("missing", "failed", "crawl budget exhausted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.UpdateScanStatus(context.Background(), "missing", scan.ScanStatusFailed, "crawl budget exhausted")
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResultMarshalsCounts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	counts := []byte(`{"critical":1,"serious":1,"moderate":0,"minor":0}`)
	mock.ExpectExec("UPDATE scans").
		WithArgs("scan-1", 77, 42, 29, counts, 5, "gs://bucket/reports/scan-1.json").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.SaveResult(context.Background(), "scan-1", scan.Result{
		WCAGScore:          77,
		RiskScore:          42,
		LawsuitProbability: 29,
		Summary: scan.Summary{
			BySeverity: scan.SeverityCounts{Critical: 1, Serious: 1},
		},
	}, 5, "gs://bucket/reports/scan-1.json")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanReturnsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	rows := pgxmock.NewRows([]string{
		"id", "url", "domain", "org_id", "tier", "depth", "status",
		"wcag_score", "risk_score", "lawsuit_probability", "violation_counts",
		"pages_scanned", "report_uri", "started_at", "completed_at", "error_message", "created_at",
	}).AddRow(
		"scan-1", "https://example.com", "example.com", "org-1", "enterprise", 5, "crawling",
		0, 0, 0, []byte(`{"critical":2}`),
		3, "", &started, (*time.Time)(nil), "", created,
	)
	mock.ExpectQuery("SELECT (.+) FROM scans").
		WithArgs("scan-1").
		WillReturnRows(rows)

	sc, err := store.GetScan(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Equal(t, scan.TierEnterprise, sc.Tier)
	require.Equal(t, scan.ScanStatusCrawling, sc.Status)
	require.Equal(t, 2, sc.ViolationCounts.Critical)
	require.Equal(t, 3, sc.PagesScanned)
	require.NotNil(t, sc.StartedAt)
	require.Nil(t, sc.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM scans").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	_, err := store.GetScan(context.Background(), "missing")
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordViolationsReplacesScanRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	violations := []scan.Violation{
		{
			ID: "v1", ScanID: "scan-1", WCAGCriterion: "1.1.1",
			Severity: scan.SeverityCritical, PageURL: "https://example.com",
			LegalRisk: scan.LegalRiskHigh, FixEffortMins: 5, QuickWin: true,
		},
		{
			ID: "v2", ScanID: "scan-1", WCAGCriterion: "1.4.3",
			Severity: scan.SeveritySerious, PageURL: "https://example.com/about",
			LegalRisk: scan.LegalRiskMedium, FixEffortMins: 15,
		},
	}
	// Any rows a prior attempt persisted go first.
	mock.ExpectExec("DELETE FROM violations").
		WithArgs("scan-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	for _, v := range violations {
		mock.ExpectExec("INSERT INTO violations").
			WithArgs(v.ID, v.ScanID, v.WCAGCriterion, string(v.Severity), v.ElementSelector,
				v.ElementSnippet, v.PageURL, v.UserImpact, string(v.LegalRisk),
				v.FixDescription, v.FixSnippet, v.FixEffortMins, v.QuickWin).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}

	require.NoError(t, store.RecordViolations(context.Background(), "scan-1", violations))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordViolationsEmptySetClearsRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM violations").
		WithArgs("scan-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.RecordViolations(context.Background(), "scan-1", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListViolations(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "scan_id", "wcag_criterion", "severity", "element_selector",
		"element_snippet", "page_url", "user_impact", "legal_risk", "fix_description",
		"fix_snippet", "fix_effort_mins", "quick_win",
	}).AddRow(
		"v1", "scan-1", "1.1.1", "critical", "img",
		`<img src="hero.png">`, "https://example.com", "", "high", "Add alt text",
		"", 5, true,
	)
	mock.ExpectQuery("SELECT (.+) FROM violations").
		WithArgs("scan-1").
		WillReturnRows(rows)

	got, err := store.ListViolations(context.Background(), "scan-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, scan.SeverityCritical, got[0].Severity)
	require.Equal(t, scan.LegalRiskHigh, got[0].LegalRisk)
	require.True(t, got[0].QuickWin)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScan(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM scans").
		WithArgs("scan-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, store.DeleteScan(context.Background(), "scan-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteScanNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM scans").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.ErrorIs(t, store.DeleteScan(context.Background(), "missing"), scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
