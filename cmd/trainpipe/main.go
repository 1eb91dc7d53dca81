// trainpipe gates model training on a CI build, runs it on a short-lived cloud
// instance and ships the logs and results afterwards.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"trainpipe/internal/config"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	a := &app{}

	root := &cobra.Command{
		Use:           "trainpipe",
		Short:         "CI-gated model training on ephemeral cloud instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
			a.logLevel = level

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.GetEnv("TRAINPIPE_CONFIG", ""), "path to a YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newRunCmd(a),
		newShipLogsCmd(a),
		newPublishReportCmd(a),
		newIngestCmd(a),
	)
	return root
}
