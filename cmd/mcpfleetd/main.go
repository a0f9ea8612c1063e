// Command mcpfleetd is the MCP Fleet Runtime daemon: it supervises
// configured child MCP servers, aggregates their tools into a catalog,
// dispatches invocations, tracks resource subscriptions, and serves all of
// it over HTTP. Composition mirrors the teacher's cmd/hector serve command
// (config load -> component wiring -> transport start -> block on signal),
// using the standard library flag package since this daemon takes no
// subcommands.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicefleet/mcpfleet/internal/config"
	"github.com/voicefleet/mcpfleet/internal/fleet/catalog"
	"github.com/voicefleet/mcpfleet/internal/fleet/invocation"
	"github.com/voicefleet/mcpfleet/internal/fleet/policy"
	"github.com/voicefleet/mcpfleet/internal/fleet/process"
	"github.com/voicefleet/mcpfleet/internal/fleet/resources"
	"github.com/voicefleet/mcpfleet/internal/fleet/rpcpool"
	"github.com/voicefleet/mcpfleet/internal/httpapi"
	"github.com/voicefleet/mcpfleet/internal/observability"
)

func main() {
	var (
		configPath       = flag.String("config", "config/mcp-servers.json", "path to the server config file")
		instructionsPath = flag.String("instructions", "config/instructions.md", "path to the realtime instructions file")
		addr             = flag.String("addr", ":8090", "HTTP listen address")
		logLevel         = flag.String("log-level", "info", "slog level: debug, info, warn, error")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defs, warning, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if warning != "" {
		slog.Warn("config load", "warning", warning)
	}

	metrics := observability.NewMetrics()
	telemetry := observability.NewSlogSink()

	registry := process.NewRegistry()
	supervisor := process.NewSupervisor(registry, process.BackoffConfig{Initial: time.Second, Max: 30 * time.Second}, *configPath)
	supervisor.SetTelemetry(metrics)
	if err := supervisor.Start(ctx); err != nil {
		slog.Error("supervisor failed to start", "error", err)
		os.Exit(1)
	}

	pool := rpcpool.NewPool(supervisor, 0)
	pol := policy.New()

	cat := catalog.New(supervisor, registry, catalog.PoolAdapter{Pool: pool}, pol, metrics, catalog.Options{})
	invoker := invocation.New(registry, invocation.PoolAdapter{Pool: pool}, cat, pol, metrics, 0)
	tracker := resources.New(registry, resources.PoolAdapter{Pool: pool}, resources.Options{})

	tracker.Start(ctx)
	defer tracker.Stop()

	watcher := config.NewWatcher(*configPath, 0)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher failed to start", "error", err)
	} else {
		go watchConfigChanges(ctx, watcher, supervisor, cat, *configPath)
	}

	server := httpapi.New(httpapi.Options{
		Catalog:      cat,
		Invoker:      invoker,
		Policy:       pol,
		Tracker:      tracker,
		Reloader:     supervisor,
		Metrics:      metrics,
		ConfigPath:   *configPath,
		Instructions: config.NewInstructionsCache(*instructionsPath),
	})

	telemetry.Event("startup", map[string]any{"servers": len(defs)})

	httpServer := &http.Server{Addr: *addr, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("mcpfleetd listening", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	supervisor.Stop()
}

func watchConfigChanges(ctx context.Context, watcher *config.Watcher, supervisor *process.Supervisor, cat *catalog.Service, path string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Changed():
			defs, warning, err := config.Load(path)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}
			if warning != "" {
				slog.Warn("config reload", "warning", warning)
			}
			result, err := supervisor.Reload(ctx, defs)
			if err != nil {
				slog.Error("supervisor reload failed", "error", err)
				continue
			}
			cat.InvalidateCache()
			slog.Info("config reloaded", "started", result.Started, "stopped", result.Stopped, "restarted", result.Restarted)
		}
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
