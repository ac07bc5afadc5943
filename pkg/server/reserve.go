package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/types"
)

// handleSetReserve applies an operator-requested reserve change through the
// executor, the same gate rule decisions go through.
func (s *Server) handleSetReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Percent float64 `json:"percent"`
		Reason  string  `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Percent < 0 || req.Percent > 100 {
		writeJSONError(w, "percent must be 0-100", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator change"
	}

	current := s.loop.LatestReading()
	if current == nil {
		// before the first poll, take one reading directly
		reading, err := s.device.Read(ctx)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to read device for manual change", slog.Any("error", err))
			writeJSONError(w, "device unavailable", http.StatusBadGateway)
			return
		}
		current = &reading
	}

	entry := s.exec.ApplyManual(ctx, req.Percent, req.Reason, *current)
	w.Header().Set("Content-Type", "application/json")
	if entry.Outcome == types.OutcomeFailed {
		w.WriteHeader(http.StatusBadGateway)
	}
	if err := json.NewEncoder(w).Encode(entry); err != nil {
		panic(http.ErrAbortHandler)
	}
}
