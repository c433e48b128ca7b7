package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

// maxTrackedErrors bounds the per-scan error list so a failing crawl cannot
// grow memory without limit.
const maxTrackedErrors = 50

// Tracker owns the live state of one scan and fans updates out to
// subscribers. All methods are safe for concurrent use. Sends to subscribers
// never block; a subscriber that falls behind misses intermediate updates.
type Tracker struct {
	registry *Registry
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
	torn    bool
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.clone()
}

// SetStatus transitions the scan to a new status with the given step label
// and percent. Percent is clamped so it never moves backwards. A terminal
// status publishes the final state, closes all subscriber channels, and
// removes the tracker from its registry.
func (t *Tracker) SetStatus(status scan.ScanStatus, step string, percent int) {
	t.mu.Lock()
	if t.torn {
		t.mu.Unlock()
		return
	}
	t.state.Status = status
	t.state.CurrentStep = step
	if percent > t.state.Percent {
		t.state.Percent = percent
	}
	if status == scan.ScanStatusCompleted {
		t.state.Percent = 100
	}
	t.state.UpdatedAt = time.Now()
	terminal := status.IsTerminal()
	t.publishLocked()
	if terminal {
		t.teardownLocked()
	}
	t.mu.Unlock()
	if terminal && t.registry != nil {
		t.registry.remove(t.state.ScanID)
	}
}

// PageCrawled records one crawled page and updates the live page pointer.
func (t *Tracker) PageCrawled(pageURL string, crawled, discovered int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return
	}
	t.state.CurrentPage = pageURL
	t.state.PagesCrawled = crawled
	if discovered > t.state.PagesDiscovered {
		t.state.PagesDiscovered = discovered
	}
	t.state.UpdatedAt = time.Now()
	t.publishLocked()
}

// RecordError appends a non-fatal error message to the state.
func (t *Tracker) RecordError(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn || len(t.state.Errors) >= maxTrackedErrors {
		return
	}
	t.state.Errors = append(t.state.Errors, msg)
	t.state.UpdatedAt = time.Now()
	t.publishLocked()
}

// SetMetadata attaches a key/value pair to the state.
func (t *Tracker) SetMetadata(key, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return
	}
	if t.state.Metadata == nil {
		t.state.Metadata = make(map[string]string)
	}
	t.state.Metadata[key] = value
	t.state.UpdatedAt = time.Now()
	t.publishLocked()
}

// Reset rewinds the tracker for a retry attempt. This is the only path on
// which percent is allowed to decrease.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return
	}
	t.state.Status = scan.ScanStatusQueued
	t.state.Percent = 0
	t.state.CurrentStep = ""
	t.state.CurrentPage = ""
	t.state.PagesCrawled = 0
	t.state.PagesDiscovered = 0
	t.state.Errors = nil
	t.state.UpdatedAt = time.Now()
	t.publishLocked()
}

// Subscribe registers a bounded update channel. The current state is
// delivered immediately. cancel detaches the subscriber and closes the
// channel; it is safe to call after teardown.
func (t *Tracker) Subscribe() (<-chan State, func()) {
	buffer := defaultSubscriberBuffer
	if t.registry != nil && t.registry.cfg.SubscriberBuffer > 0 {
		buffer = t.registry.cfg.SubscriberBuffer
	}
	ch := make(chan State, buffer)

	t.mu.Lock()
	if t.torn {
		snap := t.state.clone()
		t.mu.Unlock()
		ch <- snap
		close(ch)
		return ch, func() {}
	}
	if t.subs == nil {
		t.subs = make(map[int]chan State)
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	ch <- t.state.clone()
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (t *Tracker) publishLocked() {
	if len(t.subs) == 0 {
		return
	}
	snap := t.state.clone()
	for id, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			if t.logger != nil {
				t.logger.Debug("progress update dropped for slow subscriber",
					zap.String("scan_id", t.state.ScanID),
					zap.Int("subscriber", id))
			}
		}
	}
}

func (t *Tracker) teardownLocked() {
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.torn = true
}
