package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/reservewatch/reservewatch/pkg/device"
	"github.com/reservewatch/reservewatch/pkg/executor"
	"github.com/reservewatch/reservewatch/pkg/log"
	"github.com/reservewatch/reservewatch/pkg/monitor"
	"github.com/reservewatch/reservewatch/pkg/rules"
	"github.com/reservewatch/reservewatch/pkg/server"
	"github.com/reservewatch/reservewatch/pkg/tsdb"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	dev := device.Configured()
	db := tsdb.Configured()
	eng := rules.Configured()
	exec := executor.Configured(dev, db)
	loop := monitor.Configured(dev, db, eng, exec)
	agg := monitor.NewAggregator(loop, dev, eng)

	// init server
	srv := server.Configured(db, eng, exec, loop, agg, dev)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if err := loop.Start(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start monitoring", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := loop.Stop(stopCtx); err != nil {
			log.Ctx(stopCtx).ErrorContext(stopCtx, "failed to stop monitoring", "error", err)
		}
	}()

	// Run will block until context is canceled or an error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
