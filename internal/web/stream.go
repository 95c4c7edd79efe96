package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/noona-project/warden/internal/history"
)

// streamInstall subscribes to the installation feed before starting run,
// so no entry appended during the race between subscribing and the
// goroutine's first write is lost, then relays every mirrored entry as a
// newline-delimited JSON object, flushing after each one (spec.md §4.9).
// run is handed context.Background(), not the request's context, so a
// client disconnect tears down the subscription without cancelling an
// in-flight pull or health check (spec.md §5).
func (s *Server) streamInstall(w http.ResponseWriter, r *http.Request, run func(ctx context.Context) error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, cancel := s.deps.History.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background())
	}()

	encoder := json.NewEncoder(w)
	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			_ = encoder.Encode(entry)
			flusher.Flush()
			if isTerminal(entry) {
				return
			}

		case err := <-done:
			done = nil // a nil channel is never selected again
			if err != nil {
				_ = encoder.Encode(map[string]string{"type": "status", "status": "error", "error": err.Error()})
				flusher.Flush()
				return
			}
			// run returned nil, so the engine has already appended its
			// terminal entry; keep relaying ch until that entry arrives.

		case <-r.Context().Done():
			return
		}
	}
}

// isTerminal reports whether entry is the engine's final "installation
// batch finished" marker (engine.appendBatchTerminal).
func isTerminal(e history.Entry) bool {
	return e.Service == history.InstallationService &&
		e.Type == history.TypeStatus &&
		(e.Status == "complete" || e.Status == "error")
}
