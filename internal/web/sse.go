package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const heartbeatInterval = 15 * time.Second

// handleStream is the SSE endpoint. Clients may narrow the feed with
// project and sessionId query parameters.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.settings.get().SSEEnabled {
		writeError(w, http.StatusForbidden, "event streaming is disabled", "")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "")
		return
	}

	var project, sessionID *string
	if v := r.URL.Query().Get("project"); v != "" {
		project = &v
	}
	if v := r.URL.Query().Get("sessionId"); v != "" {
		sessionID = &v
	}

	id, events, unsubscribe := s.deps.Events.Subscribe(project, sessionID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", id)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Printf("[web] marshal sse event: %v", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
