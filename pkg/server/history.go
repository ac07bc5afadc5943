package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/reservewatch/reservewatch/pkg/log"
)

const (
	maxHistoryRange   = 31 * 24 * time.Hour
	defaultAuditLimit = 200
)

func (s *Server) handleHistoryReadings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	readings, err := s.storage.QueryReadings(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to query readings", slog.Any("error", err))
		writeJSONError(w, "failed to query readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, readings)
}

func (s *Server) handleHistoryRollup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	bucket := 15 * time.Minute
	if v := r.URL.Query().Get("bucket"); v != "" {
		bucket, err = time.ParseDuration(v)
		if err != nil || bucket <= 0 {
			writeJSONError(w, "invalid bucket duration", http.StatusBadRequest)
			return
		}
	}

	buckets, err := s.storage.Rollup(ctx, start, end, bucket)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to roll up readings", slog.Any("error", err))
		writeJSONError(w, "failed to roll up readings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, buckets)
}

func (s *Server) handleHistoryAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			writeJSONError(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	entries, err := s.storage.QueryAudit(ctx, start, end, limit)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to query audit log", slog.Any("error", err))
		writeJSONError(w, "failed to query audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		// Default to last 24 hours if not specified
		end := time.Now()
		return end.Add(-24 * time.Hour), end, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %s", maxHistoryRange)
	}

	return start, end, nil
}
