package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xmarket/xmarket/internal/audit"
	"github.com/xmarket/xmarket/internal/blend"
	"github.com/xmarket/xmarket/internal/broadcast"
	"github.com/xmarket/xmarket/internal/cache"
	"github.com/xmarket/xmarket/internal/config"
	"github.com/xmarket/xmarket/internal/ingest"
	httpapi "github.com/xmarket/xmarket/internal/interfaces/http"
	"github.com/xmarket/xmarket/internal/marketdata"
	"github.com/xmarket/xmarket/internal/metrics"
	"github.com/xmarket/xmarket/internal/persistence"
	"github.com/xmarket/xmarket/internal/persistence/memory"
	"github.com/xmarket/xmarket/internal/persistence/postgres"
	"github.com/xmarket/xmarket/internal/scoring"
)

func runBackend(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dev, _ := cmd.Flags().GetBool("dev")
	if dev {
		if cfg.Backend.AdminKey == "" {
			cfg.Backend.AdminKey = "dev-admin-key"
		}
		if cfg.Backend.IngestSecret == "" {
			cfg.Backend.IngestSecret = "dev-ingest-secret"
		}
		log.Warn().Msg("dev mode: in-memory storage, state is lost on exit")
	} else if err := cfg.Validate("backend"); err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, dev)
	if err != nil {
		return err
	}
	defer store.Close()

	idem := cache.NewIdempotency(nil)
	if cfg.Redis.Enabled && !dev {
		client, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The database still rejects replays; Redis only makes it cheap.
			log.Warn().Err(err).Msg("redis unavailable, idempotency fast path disabled")
		} else {
			idem = cache.NewIdempotency(client)
			defer client.Close()
		}
	}

	registry := metrics.NewRegistry()
	hub := broadcast.NewHub()
	hub.Observe(registry.WSSubscribers)
	scores := scoring.NewEngine(store)
	scores.Observe(registry)
	market := marketdata.NewClient(cfg.Backend.MatchingURL)
	blender := blend.New(store, scores, market, hub)
	blender.Observe(registry)
	gateway := ingest.New(cfg.Backend.IngestSecret, store, scores, blender, idem, hub)
	workflow := audit.New(store, scores, blender, hub)

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Backend.Host,
		Port:         cfg.Backend.Port,
		ReadTimeout:  cfg.Backend.ReadTimeout,
		WriteTimeout: cfg.Backend.WriteTimeout,
		IdleTimeout:  cfg.Backend.IdleTimeout,
		DebugCORS:    cfg.DebugCORS,
	}, registry)
	httpapi.NewBackend(cfg.Backend.AdminKey, store, gateway, workflow, scores, blender, hub, registry).Register(srv.Router())

	log.Info().Bool("dev", dev).Bool("redis", cfg.Redis.Enabled && !dev).Msg("backend service starting")
	return serve(srv)
}

func openStore(ctx context.Context, cfg config.Config, dev bool) (persistence.Store, error) {
	if dev {
		return memory.NewStore(), nil
	}
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(db, cfg.Database.QueryTimeout), nil
}
