// Command mcpobridged runs the MCP-O bridge: an HTTP server that
// dispatches requests to configured JSON-RPC-over-stdio tool programs,
// either as ephemeral per-request children or session-pinned persistent
// ones, persisting each request/response pair and rewriting file paths
// in responses into download URLs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/mcpobridge/mcpobridge/internal/api"
	"github.com/mcpobridge/mcpobridge/internal/config"
	"github.com/mcpobridge/mcpobridge/internal/engine"
	"github.com/mcpobridge/mcpobridge/internal/gc"
	"github.com/mcpobridge/mcpobridge/internal/jobindex"
	"github.com/mcpobridge/mcpobridge/internal/jobstore"
	"github.com/mcpobridge/mcpobridge/internal/pool"
	"github.com/mcpobridge/mcpobridge/internal/subprocess"
)

const (
	poolTerminateGrace     = 10 * time.Second
	poolTerminateKillGrace = 5 * time.Second
	shutdownBound          = 50 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	settings := config.NewSettings()
	log := newLogger(settings.LogLevel)

	registry, err := config.LoadRegistry(settings.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Info("loaded server registry", "tags", registry.Tags())

	if err := engine.EnsureJobsDirExists(settings.JobsDir); err != nil {
		return fmt.Errorf("create jobs dir: %w", err)
	}

	jobs, err := jobstore.New(settings.JobsDir, log)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	index, err := jobindex.Open(filepath.Join(settings.JobsDir, ".index.db"))
	if err != nil {
		log.Warn("job index unavailable, continuing without it", "error", err)
		index = nil
	} else {
		defer index.Close()
	}
	jobs.SetIndex(index)

	var pooled *pool.Pool
	if settings.StatefulEnabled {
		pooled = pool.New(settings.StatefulMaxTotalProcesses, settings.StatefulMaxProcessesPerIP,
			func(spec subprocess.Spec) (*subprocess.Child, error) { return subprocess.Spawn(spec, log) }, log)
	}

	eng := engine.New(settings, registry, jobs, pooled, log)
	server := api.New(settings, registry, eng, jobs, pooled, index, log)

	collector := gc.New(settings.JobsDir, settings.FileExpiry, jobs, index, log)
	collector.Run() // synchronous pass before serving traffic

	gcStop := make(chan struct{})
	go collector.Loop(time.Hour, gcStop)

	reapStop := make(chan struct{})
	if pooled != nil {
		go reapLoop(pooled, settings.StatefulCleanupInterval, reapStop)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBound)
	defer cancel()

	close(gcStop)
	close(reapStop)

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if pooled != nil {
		poolDone := make(chan struct{})
		go func() {
			pooled.Shutdown(poolTerminateGrace, poolTerminateKillGrace)
			close(poolDone)
		}()
		select {
		case <-poolDone:
		case <-shutdownCtx.Done():
			log.Warn("pool shutdown did not finish within the shutdown bound, abandoning remaining children")
		}
	}

	log.Info("shutdown complete")
	return nil
}

func reapLoop(p *pool.Pool, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.ReapIdle(poolTerminateGrace, poolTerminateKillGrace)
		case <-stop:
			return
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.RFC3339,
	}))
}
