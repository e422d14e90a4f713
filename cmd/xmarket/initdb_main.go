package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xmarket/xmarket/internal/persistence/postgres"
)

func runInitDB(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate("initdb"); err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.ApplySchema(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}
