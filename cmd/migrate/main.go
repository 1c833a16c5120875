package main

import (
	"context"
	"embed"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lgulliver/waypoint/pkg/config"
	"github.com/lgulliver/waypoint/pkg/migrate"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"

const flagConfig = "config"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	r := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the guide catalogue database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	r.PersistentFlags().String(flagConfig, "", "YAML config file, applied before environment overrides")

	r.AddCommand(upCmd(), downCmd(), statusCmd())
	return r
}

func upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Run pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return err
				}
				log.Info().Int("applied", count).Msg("Migrations completed successfully")
				return nil
			})
		},
	}
}

func downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
				if err := m.Down(ctx); err != nil {
					return err
				}
				log.Info().Msg("Rollback completed successfully")
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List migrations and whether each has been applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *migrate.Migrator) error {
				states, err := m.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, state := range states {
					mark := "pending"
					if state.Applied {
						mark = "applied"
					}
					fmt.Fprintf(out, "%03d  %-30s %s\n", state.Migration.Version, state.Migration.Name, mark)
				}
				return nil
			})
		},
	}
}

func withMigrator(cmd *cobra.Command, run func(context.Context, *migrate.Migrator) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Logging.SetupLogging()

	ctx := cmd.Context()
	m, err := migrate.Open(ctx, &cfg.Database, migrationsFS, migrationsDir)
	if err != nil {
		return err
	}
	defer m.Close()

	return run(ctx, m)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Load()
	}

	cfg := config.Default()
	if err := cfg.LoadFile(path); err != nil {
		return nil, err
	}
	return config.ApplyEnv(cfg), nil
}
