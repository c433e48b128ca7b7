package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/a11yops/scan-engine/internal/scan"
)

// streamScanEvents serves a Server-Sent Events stream of progress updates
// for one scan. The stream ends when the scan reaches a terminal state or
// the client disconnects. If the scan is not running in this process the
// handler emits a single snapshot built from the persisted row and closes.
func (s *Server) streamScanEvents(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel, live := s.registry.Subscribe(scanID)
	if !live {
		sc, err := s.store.GetScan(r.Context(), scanID)
		if err != nil {
			if errors.Is(err, scan.ErrNotFound) {
				writeError(w, http.StatusNotFound, "scan not found")
				return
			}
			s.logger.Error("get scan failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load scan")
			return
		}
		startSSE(w)
		writeSSE(w, map[string]any{
			"scan_id": scanID,
			"status":  sc.Status,
			"percent": percentFor(sc.Status),
		})
		flusher.Flush()
		return
	}
	defer cancel()

	startSSE(w)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case state, open := <-updates:
			if !open {
				return
			}
			writeSSE(w, state)
			flusher.Flush()
			if state.Status.IsTerminal() {
				return
			}
		}
	}
}

func percentFor(status scan.ScanStatus) int {
	if status == scan.ScanStatusCompleted {
		return 100
	}
	return 0
}

func startSSE(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
