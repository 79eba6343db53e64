package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/perpfolio/perpfolio/internal/app"
	"github.com/perpfolio/perpfolio/internal/config"
)

const (
	appName = "perpfolio"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "PnL indexer for perpetual futures traders",
		Version: version,
		Long: `perpfolio tracks per-trader PnL on a perpetual futures exchange:
live fills over WebSocket, polled reconciliation against the clearinghouse,
historical backfill, and a read API over the recorded series.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the indexer and read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				return a.Migrate(ctx)
			})
		},
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill <address>",
		Short: "Enqueue a backfill job for one trader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				id, err := a.ScheduleBackfill(ctx, args[0], days)
				if err != nil {
					return err
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	backfillCmd.Flags().Int("days", 0, "Lookback in days (default from config)")

	gapsCmd := &cobra.Command{
		Use:   "gaps",
		Short: "Run one gap scan over all active traders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(configPath, func(ctx context.Context, a *app.App) error {
				return a.ScanGaps(ctx)
			})
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd, backfillCmd, gapsCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// withApp loads config, applies the log level, builds the app, runs fn
// under a signal-aware context and tears everything down.
func withApp(configPath string, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}
