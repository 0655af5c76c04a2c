package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/eventgate/backend/internal/config"
	"github.com/eventgate/backend/internal/hook"
	"github.com/eventgate/backend/internal/router"
	"github.com/eventgate/backend/internal/source"
	"github.com/eventgate/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invoker, cleanup, err := buildInvoker(ctx, cfg.Hook)
	if err != nil {
		log.Fatalf("Failed to load hook module: %v", err)
	}
	defer cleanup()

	rt := router.New(invoker)
	registry := source.NewRegistry(rt, rt)
	if err := registry.Apply(cfg.Sources); err != nil {
		log.Fatalf("Failed to apply source config: %v", err)
	}

	server := ws.NewServer(cfg, registry, rt, invoker)
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	go watchConfig(ctx, *configPath, cfg.Sources, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
		registry.Shutdown()
		os.Exit(0)
	}()

	if err := ws.ListenAndServe(cfg.Server.Host, cfg.Server.Port, mux); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildInvoker selects the hook implementation: a sandboxed WASM module when
// one is configured, otherwise the pass-through default (every handshake
// accepted, every event forwarded).
func buildInvoker(ctx context.Context, cfg config.HookConfig) (hook.Invoker, func(), error) {
	if cfg.Module == "" {
		return hook.Passthrough{}, func() {}, nil
	}
	host, err := hook.NewHost(ctx, cfg.Module)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Loaded hook module %s (timeout %v)", cfg.Module, cfg.Timeout)
	return hook.NewWasmInvoker(host, cfg.Timeout), func() { host.Close(context.Background()) }, nil
}

// watchConfig reloads the source list when the config file changes or on
// SIGHUP. Only sources are applied live; server-level settings (port, host,
// origins, hook module) require a restart.
func watchConfig(ctx context.Context, path string, current []config.SourceConfig, registry *source.Registry) {
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("Config watch disabled: %v", err)
		watcher = nil
	} else {
		defer watcher.Close()
		// Watch the directory: editors typically replace the file, which
		// drops a watch set on the file itself.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.Printf("Config watch disabled: %v", err)
			watcher = nil
		}
	}

	var fsEvents chan fsnotify.Event
	var fsErrors chan error
	if watcher != nil {
		fsEvents = watcher.Events
		fsErrors = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hupCh:
		case ev := <-fsEvents:
			if filepath.Clean(ev.Name) != filepath.Clean(path) ||
				!ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
		case err := <-fsErrors:
			log.Printf("Config watch error: %v", err)
			continue
		}

		cfg, err := config.Load(path)
		if err != nil {
			log.Printf("Config reload failed, keeping previous sources: %v", err)
			continue
		}

		diff := config.Diff(current, cfg.Sources)
		if len(diff.Added) == 0 && len(diff.Removed) == 0 {
			continue
		}
		if err := registry.Apply(cfg.Sources); err != nil {
			log.Printf("Config reload failed, keeping previous sources: %v", err)
			continue
		}
		log.Printf("Reloaded sources: %d added, %d removed (generation %d)",
			len(diff.Added), len(diff.Removed), registry.Generation())
		current = cfg.Sources
	}
}
