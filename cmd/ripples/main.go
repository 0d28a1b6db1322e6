package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shouta0715/ripples-api/internal/server"
	"github.com/shouta0715/ripples-api/pkg/config"
	"github.com/shouta0715/ripples-api/pkg/logging"
	"github.com/spf13/cobra"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ripples",
		Short:   "Ripples - canvas sync server for multi-panel displays",
		Version: version,
		Long: `Ripples lays out several browser panels on one shared canvas.
An admin arranges the panels and links their edges; pointer interactions
are remapped between the panels' local coordinate frames.`,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			bootLogger := logging.New(logging.LevelInfo)
			cfg, err := config.Load(bootLogger, configFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			logger := logging.NewWithFormat(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(logger, ctx, cfg)
			if err != nil {
				return err
			}
			if err := app.Run(); err != nil {
				return fmt.Errorf("run server: %w", err)
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to a config file (default ./config.yaml)")
	cmd.Flags().String("server.address", ":8787", "Listen address")
	cmd.Flags().Int("server.maxPanelsPerRoom", 0, "Maximum panels per room, 0 for no limit")
	cmd.Flags().String("store.driver", "memory", "Attachment store: memory, sqlite or redis")
	cmd.Flags().String("store.sqlite.path", "data/ripples.db", "SQLite database file")
	cmd.Flags().String("store.redis.addr", "localhost:6379", "Redis address")
	cmd.Flags().String("blob.dir", "data/images", "Directory for uploaded images")
	cmd.Flags().String("log.level", "info", "Log level: debug, info, warn or error")
	cmd.Flags().String("log.format", "text", "Log format: text or json")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
