package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStream pushes each new reading to the client as a server-sent
// event. The loop drops events for slow clients rather than blocking.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	readings := s.loop.Subscribe()
	defer s.loop.Unsubscribe(readings)
	for {
		select {
		case <-r.Context().Done():
			return
		case reading := <-readings:
			data, err := json.Marshal(reading)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "event: reading\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
