package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/a11yops/scan-engine/internal/scan"
)

func drain(ch <-chan State) []State {
	var out []State
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, s)
		default:
			return out
		}
	}
}

func TestTrackReturnsSameTrackerForSameScan(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	first := r.Track("scan-1")
	second := r.Track("scan-1")
	require.Same(t, first, second)
	require.NotSame(t, first, r.Track("scan-2"))
}

func TestTrackerStartsQueued(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	state := r.Track("scan-1").Snapshot()
	require.Equal(t, "scan-1", state.ScanID)
	require.Equal(t, scan.ScanStatusQueued, state.Status)
	require.Equal(t, 0, state.Percent)
}

func TestPercentNeverDecreases(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")

	tracker.SetStatus(scan.ScanStatusCrawling, "crawling", 40)
	require.Equal(t, 40, tracker.Snapshot().Percent)

	tracker.SetStatus(scan.ScanStatusAnalyzing, "auditing", 25)
	require.Equal(t, 40, tracker.Snapshot().Percent)
	require.Equal(t, scan.ScanStatusAnalyzing, tracker.Snapshot().Status)

	tracker.SetStatus(scan.ScanStatusGeneratingReport, "scoring", 90)
	require.Equal(t, 90, tracker.Snapshot().Percent)
}

func TestCompletedForcesHundredPercent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	tracker := r.Track("scan-1")
	ch, cancel := tracker.Subscribe()
	defer cancel()

	tracker.SetStatus(scan.ScanStatusCrawling, "crawling", 30)
	tracker.SetStatus(scan.ScanStatusCompleted, "done", 0)

	states := drain(ch)
	final := states[len(states)-1]
	require.Equal(t, scan.ScanStatusCompleted, final.Status)
	require.Equal(t, 100, final.Percent)
}

func TestTerminalStatusTearsDownAndUnregisters(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	tracker := r.Track("scan-1")
	ch, _ := tracker.Subscribe()

	tracker.SetStatus(scan.ScanStatusFailed, "failed", 0)

	require.Nil(t, r.Lookup("scan-1"))

	// Channel delivers the final state then closes.
	var last State
	for s := range ch {
		last = s
	}
	require.Equal(t, scan.ScanStatusFailed, last.Status)

	// Updates after teardown are dropped silently.
	tracker.SetStatus(scan.ScanStatusCrawling, "late", 10)
	require.Equal(t, scan.ScanStatusFailed, tracker.Snapshot().Status)
}

func TestSubscribeDeliversImmediateSnapshot(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")
	tracker.SetStatus(scan.ScanStatusCrawling, "crawling", 20)

	ch, cancel := tracker.Subscribe()
	defer cancel()

	select {
	case state := <-ch:
		require.Equal(t, scan.ScanStatusCrawling, state.Status)
		require.Equal(t, 20, state.Percent)
	default:
		t.Fatal("expected an immediate snapshot")
	}
}

func TestSubscribeAfterTeardownYieldsFinalState(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	tracker := r.Track("scan-1")
	tracker.SetStatus(scan.ScanStatusCompleted, "done", 100)

	ch, cancel := tracker.Subscribe()
	defer cancel()

	states := drain(ch)
	require.Len(t, states, 1)
	require.Equal(t, scan.ScanStatusCompleted, states[0].Status)
}

func TestCancelDetachesSubscriber(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")
	ch, cancel := tracker.Subscribe()
	cancel()

	_, open := <-ch
	_, open = <-ch
	require.False(t, open)

	cancel() // second cancel is a no-op

	tracker.SetStatus(scan.ScanStatusCrawling, "crawling", 10)
}

func TestSlowSubscriberDropsUpdatesNotState(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{SubscriberBuffer: 1})
	tracker := r.Track("scan-1")
	ch, cancel := tracker.Subscribe()
	defer cancel()

	// Buffer holds only the initial snapshot; these all drop.
	for i := 0; i < 20; i++ {
		tracker.PageCrawled("https://example.com/p", i+1, 20)
	}

	require.Len(t, drain(ch), 1)
	require.Equal(t, 20, tracker.Snapshot().PagesCrawled)
}

func TestPageCrawledTracksCounts(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")

	tracker.PageCrawled("https://example.com/a", 1, 5)
	tracker.PageCrawled("https://example.com/b", 2, 3)

	state := tracker.Snapshot()
	require.Equal(t, "https://example.com/b", state.CurrentPage)
	require.Equal(t, 2, state.PagesCrawled)
	require.Equal(t, 5, state.PagesDiscovered)
}

func TestRecordErrorIsBounded(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")
	for i := 0; i < maxTrackedErrors+10; i++ {
		tracker.RecordError("render timeout")
	}
	require.Len(t, tracker.Snapshot().Errors, maxTrackedErrors)
}

func TestResetRewindsForRetry(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")
	tracker.SetStatus(scan.ScanStatusCrawling, "crawling", 60)
	tracker.PageCrawled("https://example.com/a", 3, 7)
	tracker.RecordError("transient")
	tracker.SetMetadata("attempt", "1")

	tracker.Reset()

	state := tracker.Snapshot()
	require.Equal(t, scan.ScanStatusQueued, state.Status)
	require.Equal(t, 0, state.Percent)
	require.Equal(t, 0, state.PagesCrawled)
	require.Empty(t, state.Errors)
	// Metadata survives the rewind.
	require.Equal(t, "1", state.Metadata["attempt"])
}

func TestRegistrySubscribeReportsLiveness(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	_, _, live := r.Subscribe("unknown")
	require.False(t, live)

	r.Track("scan-1")
	ch, cancel, live := r.Subscribe("scan-1")
	require.True(t, live)
	require.NotNil(t, ch)
	cancel()
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	tracker := NewRegistry(Config{}).Track("scan-1")
	tracker.RecordError("one")
	tracker.SetMetadata("k", "v")

	state := tracker.Snapshot()
	state.Errors[0] = "mutated"
	state.Metadata["k"] = "mutated"

	fresh := tracker.Snapshot()
	require.Equal(t, "one", fresh.Errors[0])
	require.Equal(t, "v", fresh.Metadata["k"])
}
