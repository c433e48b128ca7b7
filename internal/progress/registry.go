package progress

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

const defaultSubscriberBuffer = 64

// Config controls the Registry.
//   - SubscriberBuffer: per-subscriber channel capacity (default 64).
//   - Logger: optional structured logger used for drop warnings.
type Config struct {
	SubscriberBuffer int
	Logger           *zap.Logger
}

// Registry holds the live tracker for every scan running in this process.
// Lookups by scan ID return nil once the scan reaches a terminal state and
// the tracker is torn down; callers fall back to the persisted scan row.
type Registry struct {
	cfg      Config
	logger   *zap.Logger
	mu       sync.RWMutex
	trackers map[string]*Tracker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		trackers: make(map[string]*Tracker),
	}
}

// Track creates (or returns the existing) tracker for a scan.
func (r *Registry) Track(scanID string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trackers[scanID]; ok {
		return t
	}
	t := &Tracker{
		registry: r,
		logger:   r.logger,
		state: State{
			ScanID:    scanID,
			Status:    scan.ScanStatusQueued,
			UpdatedAt: time.Now(),
		},
	}
	r.trackers[scanID] = t
	return t
}

// Lookup returns the live tracker for a scan, or nil if none is running here.
func (r *Registry) Lookup(scanID string) *Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.trackers[scanID]
}

// Subscribe attaches a bounded channel to a scan's live updates. The second
// return is false when no tracker exists in this process. The channel is
// closed when the scan reaches a terminal state or cancel is called.
func (r *Registry) Subscribe(scanID string) (<-chan State, func(), bool) {
	t := r.Lookup(scanID)
	if t == nil {
		return nil, nil, false
	}
	ch, cancel := t.Subscribe()
	return ch, cancel, true
}

func (r *Registry) remove(scanID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.trackers, scanID)
}
