package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/mattjoyce/modreg/internal/api"
	"github.com/mattjoyce/modreg/internal/composite"
	"github.com/mattjoyce/modreg/internal/config"
	"github.com/mattjoyce/modreg/internal/dependency"
	"github.com/mattjoyce/modreg/internal/events"
	"github.com/mattjoyce/modreg/internal/lock"
	"github.com/mattjoyce/modreg/internal/log"
	"github.com/mattjoyce/modreg/internal/registry"
	"github.com/mattjoyce/modreg/internal/service"
	"github.com/mattjoyce/modreg/internal/storage"
)

// registryRuntime is the wired registry plus the connections it owns.
type registryRuntime struct {
	kv      storage.KV
	rdb     *goredis.Client
	tracker dependency.Tracker
	svc     *service.Service
}

// openRegistry wires storage, the dependency tracker and the catalog into a
// service. hub may be nil.
func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger, hub *events.Hub) (*registryRuntime, error) {
	catalog, err := registry.Load(cfg.Registry.ModulesDir, slogAdapter(logger))
	if err != nil {
		return nil, fmt.Errorf("load module catalog: %w", err)
	}

	kv, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	rt := &registryRuntime{kv: kv}

	switch cfg.Dependencies.Backend {
	case config.BackendRedis:
		rdb, err := storage.NewRedisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			_ = kv.Close()
			return nil, fmt.Errorf("connect dependency tracker: %w", err)
		}
		rt.rdb = rdb
		rt.tracker = dependency.NewRedisTracker(rdb, cfg.Storage.Redis.Prefix)
	default:
		rt.tracker = dependency.NewMemoryTracker()
	}

	opts := []service.Option{service.WithLogger(log.WithComponent("registry"))}
	if hub != nil {
		opts = append(opts, service.WithEvents(hub))
	}
	rt.svc = service.New(catalog, composite.NewStore(kv), rt.tracker, opts...)
	logger.Info("module catalog loaded", "primitives", catalog.Len(), "modules_dir", cfg.Registry.ModulesDir)
	return rt, nil
}

func (rt *registryRuntime) Close() error {
	var errs []error
	if rt.rdb != nil {
		errs = append(errs, rt.rdb.Close())
	}
	errs = append(errs, rt.kv.Close())
	return errors.Join(errs...)
}

// slogAdapter routes catalog discovery messages to logger.
func slogAdapter(logger *slog.Logger) registry.Logger {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("modreg starting", "version", version, "config", resolved)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := events.NewHub(256)
	rt, err := openRegistry(ctx, cfg, logger, hub)
	if err != nil {
		logger.Error("failed to open registry", "error", err)
		return 1
	}
	defer rt.Close()
	logger.Info("storage opened", "backend", cfg.Storage.Backend, "dependencies", cfg.Dependencies.Backend)

	// Additive: a redis tracker may already be serving peers. Stale edges
	// are only dropped by `system rebuild`.
	edges, err := rt.svc.RestoreDependencies(ctx)
	if err != nil {
		logger.Error("failed to restore dependency edges", "error", err)
		return 1
	}
	logger.Info("dependency edges restored", "edges", edges)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.New(api.Config{Listen: cfg.API.Listen}, rt.svc, hub, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	} else {
		logger.Warn("api disabled; the registry is not reachable from other processes")
	}

	logger.Info("modreg running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("modreg stopped")
	return 0
}
