package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/executor"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/monitor"
	"github.com/reservewatch/reservewatch/pkg/rules"
	"github.com/reservewatch/reservewatch/pkg/tsdb"
)

// Server exposes the HTTP API for status, history, rules, and manual
// control. All control actions go through the executor; the server never
// talks to the device directly.
type Server struct {
	storage tsdb.Database
	engine  *rules.Engine
	exec    *executor.Executor
	loop    *monitor.Loop
	agg     *monitor.Aggregator
	device  device.Client

	listenAddr string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(s tsdb.Database, eng *rules.Engine, exec *executor.Executor, loop *monitor.Loop, agg *monitor.Aggregator, dev device.Client) *Server {
	srv := &Server{
		storage: s,
		engine:  eng,
		exec:    exec,
		loop:    loop,
		agg:     agg,
		device:  dev,
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/history/readings", s.handleHistoryReadings)
	apiMux.HandleFunc("GET /api/history/rollup", s.handleHistoryRollup)
	apiMux.HandleFunc("GET /api/history/audit", s.handleHistoryAudit)
	apiMux.HandleFunc("GET /api/rules", s.handleListRules)
	apiMux.HandleFunc("POST /api/rules", s.handleCreateRule)
	apiMux.HandleFunc("PUT /api/rules/{id}", s.handleUpdateRule)
	apiMux.HandleFunc("DELETE /api/rules/{id}", s.handleDeleteRule)
	apiMux.HandleFunc("POST /api/rules/{id}/enabled", s.handleSetRuleEnabled)
	apiMux.HandleFunc("POST /api/reserve", s.handleSetReserve)
	apiMux.HandleFunc("POST /api/monitor/start", s.handleMonitorStart)
	apiMux.HandleFunc("POST /api/monitor/stop", s.handleMonitorStop)
	apiMux.HandleFunc("POST /api/retention", s.handleRetention)

	mux := http.NewServeMux()
	mux.Handle("/api/", gziphandler.GzipHandler(apiMux))
	// the event stream stays uncompressed so flushes reach the client
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.agg.Status())
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Start(r.Context()); err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, s.agg.Status())
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.Stop(r.Context()); err != nil {
		writeJSONError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, s.agg.Status())
}

func (s *Server) handleRetention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deleted, err := s.storage.EnforceRetention(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "retention enforcement failed", slog.Any("error", err))
		writeJSONError(w, "retention enforcement failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		DeletedSegments int `json:"deletedSegments"`
	}{DeletedSegments: deleted})
}
