// coauthord is the AI co-authoring proposal engine daemon. It exposes
// the proposal lifecycle over HTTP (REST + SSE + WebSocket), persists
// approved drafts to SQLite, and mirrors session events to a message
// bus for external observers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/api"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/bus"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/config"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/contextbuilder"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/diff"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/logging"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/model"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/orchestrator"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/queue"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/storage"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string
	var showVersion bool
	flag.StringVar(&configPath, "config", "coauthord.yaml", "path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("coauthord %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "coauthord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	audit, err := logging.NewLogger(cfg.Audit.Dir)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer audit.Close()

	eventBus, err := newBus(cfg)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer eventBus.Close()

	client := model.NewClient(cfg.Provider.Model, cfg.Provider.APIKey, cfg.Provider.BaseURL)
	client.SetTimeout(cfg.Provider.RequestTimeout)
	provider := orchestrator.NewModelProposalProvider(client, cfg.Provider.Model)

	registry := stream.NewRegistry(cfg.Proposals.ReplayBuffer)

	orch, err := orchestrator.New(orchestrator.Options{
		Queue:    queue.New(cfg.Proposals.SectionSlots),
		Registry: registry,
		Mapper:   diff.NewMapper(cfg.Proposals.ProposalTTL),
		Contexts: contextbuilder.NewBuilder(store,
			contextbuilder.WithTokenBudget(cfg.Context.MaxTokens),
			contextbuilder.WithKnowledge(contextbuilder.NewKnowledgeStore(store))),
		Provider:       provider,
		Persistence:    store,
		Changelog:      store,
		Audit:          audit,
		Bus:            eventBus,
		TransportMode:  cfg.Proposals.TransportMode,
		IdleSessionTTL: cfg.Proposals.IdleSessionTTL,
		RunTimeout:     cfg.Provider.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	orch.StartSweeper(ctx, cfg.Proposals.SweepInterval)

	server := api.NewServer(api.ServerConfig{
		Address:           cfg.Server.Address,
		Orchestrator:      orch,
		Registry:          registry,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = audit.Info(logging.CategorySession, "server_started", "listening",
			map[string]any{"address": cfg.Server.Address, "version": version})
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.CloseAll("shutdown")
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func newBus(cfg *config.Config) (bus.MessageBus, error) {
	switch cfg.Bus.Mode {
	case "", "memory":
		return bus.NewMemoryBus(), nil
	case "nats":
		return bus.NewNATSBus(bus.Config{URL: cfg.Bus.URL, Name: cfg.Bus.Name})
	default:
		return nil, fmt.Errorf("unknown bus mode %q", cfg.Bus.Mode)
	}
}
