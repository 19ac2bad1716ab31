/**
 * @description
 * This is the main entry point for the bonus-service. It turns login events into bonus
 * events exactly once per inbound event id.
 *
 * Key features:
 * - `serve` (default): consumes login events from RabbitMQ or Kafka, runs each through
 *   the bonus pipeline on a worker pool and publishes bonus events with broker
 *   confirmation. Also serves health, readiness, metrics and inspection endpoints.
 * - `migrate`: applies the storage schema.
 * - `seed-account`: creates a player bonus account.
 *
 * @dependencies
 * - github.com/spf13/cobra: command line.
 * - github.com/joho/godotenv: To load .env files for local development.
 * - internal/config: viper-backed configuration.
 */
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/transfa/bonus-service/internal/config"
)

const serviceName = "bonus-service"

// cli carries state shared by every command once the root pre-run completed.
type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	var configPath string

	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Credit a player bonus exactly once per login event",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file for local development. In production, env vars are set directly.
			if err := godotenv.Load(); err != nil {
				slog.Debug("no .env file found, using environment variables")
			}

			bootLogger := newLogger("info")
			cfg, err := config.LoadConfig(configPath, bootLogger)
			if err != nil {
				return fmt.Errorf("cannot load config: %w", err)
			}
			c.cfg = cfg
			c.logger = newLogger(cfg.LogLevel).With("service", serviceName)
			slog.SetDefault(c.logger)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config-path", ".", "directory holding an optional .env file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Consume login events and publish bonus events",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.serve(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the storage schema if it does not exist",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.migrate(cmd.Context())
			},
		},
		newSeedAccountCmd(c),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
