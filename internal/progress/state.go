// Package progress tracks live per-scan state and fans updates out to
// subscribers. It is per-process and not the system of record; observers in
// other processes read the persisted scan row instead.
package progress

import (
	"time"

	"github.com/a11yops/scan-engine/internal/scan"
)

// State is a point-in-time snapshot of a running scan. Percent never
// decreases for a given scan except when a retry resets the tracker.
type State struct {
	ScanID          string            `json:"scan_id"`
	Status          scan.ScanStatus   `json:"status"`
	Percent         int               `json:"percent"`
	CurrentStep     string            `json:"current_step"`
	CurrentPage     string            `json:"current_page,omitempty"`
	PagesDiscovered int               `json:"pages_discovered"`
	PagesCrawled    int               `json:"pages_crawled"`
	Errors          []string          `json:"errors,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s State) clone() State {
	out := s
	if len(s.Errors) > 0 {
		out.Errors = append([]string(nil), s.Errors...)
	}
	if len(s.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
