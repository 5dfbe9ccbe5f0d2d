package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleRunEvents streams a run's live events as Server-Sent Events.
// The stream stays open until the client disconnects or the source
// closes, which it does when the run reaches a terminal status.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, errNoEvents.Error())
		return
	}
	if _, ok := s.runPath(w, r); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel, err := s.events.Subscribe(r.PathValue("experiment"), r.PathValue("run"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("subscribe: %v", err))
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}
