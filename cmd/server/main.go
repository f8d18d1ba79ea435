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

	"github.com/gyaneshwarpardhi/campaignwatch/internal/api"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/config"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/ingest"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/monitor"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
)

func main() {
	cfgPath := flag.String("config", "configs/campaignwatch.yaml", "Path to YAML config")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, logger)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Pattern catalog ──────────────────────────────────────────────────────
	cat := pattern.NewCatalog(pattern.Builtin())
	var reload api.PatternReloader
	if path := cfg.Patterns.File; path != "" {
		lib, err := config.ReloadPatterns(path, cat)
		if err != nil {
			slog.Error("failed to load patterns", "err", err)
			os.Exit(1)
		}
		slog.Info("patterns loaded", "path", path, "patterns", lib.Len())
		reload = func() (*pattern.Library, error) { return config.ReloadPatterns(path, cat) }
		if cfg.Patterns.Watch {
			stop, err := config.WatchPatterns(path, cat, logger)
			if err != nil {
				slog.Warn("pattern watcher unavailable (hot-reload disabled)", "err", err)
			} else {
				defer stop()
			}
		}
	} else {
		slog.Info("using builtin pattern catalog", "patterns", cat.Library().Len())
	}

	// ── Collaborators ────────────────────────────────────────────────────────
	calibrator := detection.NewSwappable(nil)
	if c, err := buildCalibrator(cfg.Calibration); err != nil {
		slog.Error("invalid calibration", "err", err)
		os.Exit(1)
	} else {
		calibrator.Store(c)
	}

	col, err := openCollaborators(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to initialise collaborators", "err", err)
		os.Exit(1)
	}
	defer col.Close()

	backend, predictor := buildReasoning(cfg.Reasoning, logger)

	// ── Monitors ─────────────────────────────────────────────────────────────
	monitors := make([]*monitor.Monitor, 0, len(cfg.Monitors))
	for _, mc := range cfg.Monitors {
		m, err := buildMonitor(mc, cfg, cat, backend, predictor, calibrator, col, logger)
		if err != nil {
			slog.Error("failed to build monitor", "monitor", mc.ID, "err", err)
			os.Exit(1)
		}
		monitors = append(monitors, m)
	}
	rt, err := monitor.NewRuntime(logger, monitors...)
	if err != nil {
		slog.Error("failed to build runtime", "err", err)
		os.Exit(1)
	}
	if err := rt.Start(ctx); err != nil {
		slog.Error("failed to start monitors", "err", err)
		os.Exit(1)
	}

	// ── Hot-reload watcher ───────────────────────────────────────────────────
	// Calibration is swapped in place; monitor definitions need a restart.
	loader.OnChange(func(newCfg *config.Config) {
		c, err := buildCalibrator(newCfg.Calibration)
		if err != nil {
			slog.Warn("hot-reload skipped: calibration invalid", "err", err)
			return
		}
		calibrator.Store(c)
		slog.Info("calibration hot-reloaded", "points", len(newCfg.Calibration.Points))
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Kafka ingest ─────────────────────────────────────────────────────────
	var consumer *ingest.Consumer
	if cfg.Kafka.Consume {
		consumer, err = ingest.NewConsumer(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topics:  rt.Topics(),
		}, rt, logger)
		if err != nil {
			slog.Error("failed to create kafka consumer", "err", err)
			os.Exit(1)
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "err", err)
			}
		}()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.New(rt, cat, reload, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // manual scans wait for the backend
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr, "monitors", len(monitors))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop consumer and monitor loops
	rt.Stop()
	if consumer != nil {
		_ = consumer.Close()
	}
	slog.Info("goodbye")
}
