package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xmarket/xmarket/internal/config"
	httpapi "github.com/xmarket/xmarket/internal/interfaces/http"
)

const version = "v0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "xmarket",
		Short:   "Reality-driven prediction market services",
		Version: version,
		Long: `xmarket runs the prediction market platform: a backend service that
turns verified real-world events into reality scores and blended prices,
and a matching service that runs the continuous order books.`,
	}
	rootCmd.PersistentFlags().String("config", "", "path to YAML config file")

	backendCmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the ingest, scoring, blending and audit service",
		RunE:  runBackend,
	}
	backendCmd.Flags().Bool("dev", false, "in-memory storage, no Postgres or Redis required")

	matchingCmd := &cobra.Command{
		Use:   "matching",
		Short: "Run the order-matching service",
		RunE:  runMatching,
	}
	matchingCmd.Flags().Bool("dev", false, "in-memory storage, no Postgres required")

	initdbCmd := &cobra.Command{
		Use:   "initdb",
		Short: "Apply the database schema",
		RunE:  runInitDB,
	}

	rootCmd.AddCommand(backendCmd, matchingCmd, initdbCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the YAML config named by --config and configures the
// global logger from it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	setupLogging(cfg.Log.Level)
	return cfg, nil
}

// setupLogging picks console output on a TTY and JSON otherwise.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// serve runs the server until SIGINT/SIGTERM, then drains connections.
func serve(srv *httpapi.Server) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Info().Str("addr", srv.Addr()).Msg("listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
