package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/undocore/internal/infra/buildinfo"
	"github.com/yndnr/undocore/internal/infra/confloader"
	"github.com/yndnr/undocore/internal/infra/shutdown"
	"github.com/yndnr/undocore/internal/server/config"
	"github.com/yndnr/undocore/internal/storage"
	"github.com/yndnr/undocore/internal/telemetry/logger"
	"github.com/yndnr/undocore/internal/telemetry/metric"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("undocore-server %s\n", buildinfo.String())
		return nil
	}

	loader := newLoader(*configFile)
	cfg, err := loadConfig(loader)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	info := buildinfo.Get()
	log.Info("starting undocore-server",
		"version", info.Version,
		"commit", info.Commit,
		"config", *configFile)
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *config.Sanitize(cfg)))

	registry := metric.NewRegistry()
	engine, err := storage.New(cfg.StorageConfig(log, registry))
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Recover(ctx); err != nil {
		if cerr := engine.Close(); cerr != nil {
			log.Error("close after failed recovery", "error", cerr)
		}
		return fmt.Errorf("storage recovery: %w", err)
	}
	registry.MustRegister(engine.Collectors()...)

	hooks := shutdown.NewHandler(cfg.Storage.ExitTimeout + 5*time.Second).WithLogger(log)
	hooks.OnShutdown("storage", func(context.Context) error {
		return engine.Close()
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, registry.Handler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		hooks.OnShutdown("metrics", srv.Shutdown)
		g.Go(func() error {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if *configFile != "" {
		watcher, err := watchConfig(loader, log)
		if err != nil {
			log.Warn("config reload disabled", "error", err)
		} else {
			hooks.OnShutdown("config watcher", func(context.Context) error { return watcher.Stop() })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		return hooks.Run()
	})

	log.Info("server started", "data_dir", cfg.Storage.DataDir, "redo", engine.Redo().String())
	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

func newLoader(path string) *confloader.Loader {
	var opts []confloader.Option
	if path != "" {
		opts = append(opts, confloader.WithConfigFile(path))
	}
	return confloader.NewLoader(opts...)
}

// loadConfig overlays the file and environment on the defaults.
func loadConfig(loader *confloader.Loader) (*config.ServerConfig, error) {
	cfg := config.Default()
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if err := config.Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// watchConfig reloads the file on change. Only the log level is applied
// at runtime; everything else needs a restart.
func watchConfig(loader *confloader.Loader, log *slog.Logger) (*confloader.Watcher, error) {
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	if err := w.Watch(loader.FilePath()); err != nil {
		_ = w.Stop()
		return nil, err
	}
	w.OnChange(func(path string) {
		cfg := config.Default()
		if err := loader.Reload(cfg); err != nil {
			log.Error("config reload failed", "file", path, "error", err)
			return
		}
		if err := config.Verify(cfg); err != nil {
			log.Error("reloaded config is invalid", "file", path, "error", err)
			return
		}
		if cfg.Log.Level != logger.GetLevel() {
			if err := logger.SetLevel(cfg.Log.Level); err != nil {
				log.Error("config reload failed", "file", path, "error", err)
				return
			}
			log.Info("log level changed", "level", cfg.Log.Level)
		}
	})
	w.StartAsync()
	return w, nil
}
