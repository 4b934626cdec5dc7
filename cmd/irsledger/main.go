package main

import (
	"IRSLedger/internal/config"
	"IRSLedger/internal/core"
	"IRSLedger/internal/observability"
	"IRSLedger/internal/persistence"
	"IRSLedger/internal/projection"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "irsledger",
		Short:         "Interest rate swap risk and settlement ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newVerifyCmd(), newRebuildCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var allowLogAhead bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger, its workers and the query API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, allowLogAhead)
		},
	}
	cmd.Flags().BoolVar(&allowLogAhead, "allow-log-ahead", false,
		"start even if the event log holds events newer than the latest verified snapshot")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withDB(func(ctx context.Context, db *sql.DB, _ *config.Config, logger zerolog.Logger) error {
				applied, err := persistence.NewMigrator(db, logger).Up(ctx)
				if err != nil {
					return err
				}
				logger.Info().Int("applied", applied).Msg("migrations up to date")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withDB(func(ctx context.Context, db *sql.DB, _ *config.Config, logger zerolog.Logger) error {
				rolled, err := persistence.NewMigrator(db, logger).Down(ctx)
				if err != nil {
					return err
				}
				if !rolled {
					logger.Info().Msg("nothing to roll back")
				}
				return nil
			}),
		},
	)
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Walk the event log from genesis and check the hash chain",
		RunE: withDB(func(ctx context.Context, db *sql.DB, _ *config.Config, logger zerolog.Logger) error {
			res, err := persistence.NewSnapshotManager(db).VerifyLog(ctx, 0, core.GenesisHash(), pageSize)
			if err != nil {
				return err
			}
			logger.Info().
				Int64("events", res.Checked).
				Int64("next_sequence", res.Next).
				Str("tip", hex.EncodeToString(res.Tip[:])).
				Msg("event log verified")
			return nil
		}),
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 1000, "events read per query")
	return cmd
}

func newRebuildCmd() *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild projection tables from the event log",
		RunE: withDB(func(ctx context.Context, db *sql.DB, _ *config.Config, logger zerolog.Logger) error {
			_, err := projection.RebuildProjections(ctx, db, pageSize, logger)
			return err
		}),
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 1000, "events replayed per query")
	return cmd
}

type dbFunc func(ctx context.Context, db *sql.DB, cfg *config.Config, logger zerolog.Logger) error

// withDB loads config and opens Postgres for one-shot commands.
func withDB(fn dbFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := observability.NewLoggerWithLevel(cmd.Name(), observability.ParseLogLevel(cfg.LogLevel))

		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd.Context(), db, cfg, logger)
	}
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}
