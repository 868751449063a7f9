package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/namansh70747/sentinel/internal/core"
	"github.com/namansh70747/sentinel/internal/jobs"
	"github.com/namansh70747/sentinel/internal/remediation"
	"github.com/namansh70747/sentinel/internal/storage"
	"github.com/namansh70747/sentinel/pkg/logger"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Incident lifecycle and remediation engine",
		Long: `Sentinel polls health metrics, opens deduplicated incidents for threshold
breaches, attempts automated remediation, escalates incidents that stay open
too long and writes a postmortem when an incident is resolved.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default $SENTINEL_CONFIG_PATH or "+core.DefaultConfigPath+")")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newCheckConfigCmd(), newVersionCmd())
	return rootCmd
}

func loadConfig() (*core.Config, error) {
	cfg, err := core.LoadConfig(core.ConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.App.LogLevel, cfg.App.LogFormat); err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s\n", version)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the incident store schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if !cfg.Database.Enabled {
				return fmt.Errorf("database is disabled; nothing to migrate")
			}

			db, err := connectDatabase(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

// knownActions is every action any executor can run, regardless of which
// integrations are enabled.
func knownActions() *remediation.Router {
	return remediation.NewRouter(
		remediation.NewKubernetesExecutor(nil, "", zap.NewNop()),
		remediation.NewPostgresExecutor(nil, zap.NewNop()),
		jobs.NewExecutor(nil),
	)
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and remediation plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(core.ConfigPath(configPath))
			if err != nil {
				return err
			}

			types := cfg.IncidentTypes()
			if err := cfg.Plan().Check(types, knownActions().Supports); err != nil {
				return fmt.Errorf("invalid remediation plan: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration OK\n")
			fmt.Fprintf(out, "  threshold rules: %d\n", len(cfg.Thresholds))
			fmt.Fprintf(out, "  incident types:  %d\n", len(types))
			fmt.Fprintf(out, "  chaos scenarios: %d\n", len(cfg.ChaosScenarios()))
			fmt.Fprintf(out, "  jobs:            %d\n", len(cfg.JobDefinitions()))
			fmt.Fprintf(out, "  data rules:      %d\n", len(cfg.Validation.Rules))
			fmt.Fprintf(out, "  store:           %s\n", storeKind(cfg))
			return nil
		},
	}
}

func storeKind(cfg *core.Config) string {
	if cfg.Database.Enabled {
		return "postgres"
	}
	return "memory"
}

func connectDatabase(cfg *core.Config) (*storage.PostgresClient, error) {
	db, err := storage.NewPostgresClient(cfg.GetDatabaseURL(), storage.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConnections),
		MinConns:        int32(cfg.Database.MinConnections),
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
		ConnectTimeout:  cfg.Database.ConnectTimeout.Duration,
	}, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}
