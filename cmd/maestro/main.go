// Package main runs the Maestro core engine: session registry, agent
// supervisor, Auto Run scheduler, and the remote gateway, all in one
// process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/maestro/maestro/internal/agent"
	"github.com/maestro/maestro/internal/autorun"
	"github.com/maestro/maestro/internal/common/config"
	"github.com/maestro/maestro/internal/common/logger"
	"github.com/maestro/maestro/internal/events/bus"
	"github.com/maestro/maestro/internal/gateway"
	"github.com/maestro/maestro/internal/history"
	"github.com/maestro/maestro/internal/session"
	"github.com/maestro/maestro/internal/settings"
	"github.com/maestro/maestro/internal/supervisor"
	"github.com/maestro/maestro/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting maestro engine", zap.String("config_dir", cfg.ConfigDir))
	tracing.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("using NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	agents := agent.NewRegistry(log)
	if err := agents.LoadOverlay(cfg.AgentsOverlayPath()); err != nil {
		log.Warn("agent overlay not loaded", zap.Error(err))
	}

	sessionStore := session.NewStore(cfg, log)
	registry := session.NewRegistry(cfg, agents, sessionStore, eventBus, log)
	registry.Reconcile()

	sup := supervisor.New(cfg, registry, agents, eventBus, log)
	histWriter := history.NewWriter(cfg, log)
	settingsStore := settings.NewStore(cfg, eventBus, log)

	playbooks := autorun.NewStore(cfg, log)
	stats := autorun.NewStatsStore(cfg, log)
	scheduler, err := autorun.NewScheduler(cfg, registry, sup, playbooks, stats, histWriter, eventBus, log)
	if err != nil {
		log.Fatal("failed to start scheduler", zap.Error(err))
	}

	token, err := gateway.LoadOrMintToken(cfg)
	if err != nil {
		log.Fatal("failed to load remote token", zap.Error(err))
	}
	gw, err := gateway.NewServer(cfg, registry, sup, scheduler, settingsStore, eventBus, token, log)
	if err != nil {
		log.Fatal("failed to start gateway", zap.Error(err))
	}

	ln, port, err := gw.Listen()
	if err != nil {
		log.Fatal("failed to bind gateway port", zap.Error(err))
	}
	log.Info("remote gateway ready",
		zap.Int("port", port),
		zap.String("token", token))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw.RunHub(gctx)
		return nil
	})
	g.Go(func() error {
		return gw.Serve(gctx, ln)
	})

	// Runs until a shutdown signal or a server failure.
	if err := g.Wait(); err != nil {
		log.Error("gateway server failed", zap.Error(err))
	}
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	sup.Shutdown(shutdownCtx)
	registry.Persist()
	scheduler.Close()
	gw.Close()
	histWriter.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", zap.Error(err))
	}
	eventBus.Close()
	log.Info("maestro engine stopped")
}
