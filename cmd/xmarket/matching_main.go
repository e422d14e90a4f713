package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xmarket/xmarket/internal/book"
	"github.com/xmarket/xmarket/internal/broadcast"
	httpapi "github.com/xmarket/xmarket/internal/interfaces/http"
	"github.com/xmarket/xmarket/internal/metrics"
)

func runMatching(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dev, _ := cmd.Flags().GetBool("dev")
	if dev {
		log.Warn().Msg("dev mode: in-memory storage, open orders are lost on exit")
	} else if err := cfg.Validate("matching"); err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg, dev)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := broadcast.NewHub()
	registry := metrics.NewRegistry()
	engine := book.NewEngine(store, nil)
	engine.SetListener(httpapi.NewListener(engine, hub, registry, httpapi.BlendNudger(cfg.Matching.BackendURL)))

	// Replay open orders into the books before accepting traffic.
	if err := engine.Recover(ctx); err != nil {
		return err
	}

	srv := httpapi.NewServer(httpapi.ServerConfig{
		Host:         cfg.Matching.Host,
		Port:         cfg.Matching.Port,
		ReadTimeout:  cfg.Matching.ReadTimeout,
		WriteTimeout: cfg.Matching.WriteTimeout,
		IdleTimeout:  cfg.Matching.IdleTimeout,
		DebugCORS:    cfg.DebugCORS,
	}, registry)
	httpapi.NewMatching(engine, hub, registry, cfg.Matching.OrderRPS, cfg.Matching.OrderBurst).Register(srv.Router())

	log.Info().Bool("dev", dev).Msg("matching service starting")
	return serve(srv)
}
