package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"trainpipe/internal/apperrors"
	"trainpipe/internal/dispatcher"
	"trainpipe/internal/pipeline"

	"github.com/spf13/cobra"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		jobName string
		meta    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one pipeline to completion: CI gate, training cycle, log shipment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var events dispatcher.Dispatcher
			eventDispatcher := a.dispatcher(nil)
			if eventDispatcher != nil {
				events = eventDispatcher
				defer closeDispatcher(eventDispatcher)
			}

			svc, _, err := a.pipeline(ctx, pipelineDeps{dispatcher: events})
			if err != nil {
				return err
			}

			run, runErr := svc.Run(ctx, &pipeline.Request{JobName: jobName, Meta: meta})
			if run != nil {
				if err := printJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&jobName, "job", "", "CI job to gate on (default: ci.jobName)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "run metadata as key=value pairs")
	return cmd
}

func newShipLogsCmd(a *app) *cobra.Command {
	var logRoot string
	cmd := &cobra.Command{
		Use:   "ship-logs",
		Short: "Bundle today's log files and upload them to object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logRoot != "" {
				a.cfg.Logs.Root = logRoot
			}
			shipper, err := a.shipper(cmd.Context(), nil)
			if err != nil {
				return err
			}
			report, err := shipper.ShipTodaysLogs(cmd.Context(), a.cfg.Logs.Root)
			if err != nil {
				return err
			}
			if !report.Uploaded {
				slog.Info("No log files for today", "root", a.cfg.Logs.Root)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&logRoot, "root", "", "log directory (default: logs.root)")
	return cmd
}

func newPublishReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "publish-report",
		Short: "Publish the cross-validation results as a reporting dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reporter, err := a.reporter(cmd.Context())
			if err != nil {
				return err
			}
			start := time.Now()
			summary, err := reporter.Publish(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("Dataset published", "dataset", summary.Dataset, "rows", summary.Rows, "duration", time.Since(start))
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Append transaction rows to the training dataset",
		Long: "Append transaction rows to the training dataset object. Rows are read from\n" +
			"--data, or from standard input when --data is not set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(data)
			if data == "" {
				in, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read transactions: %w", err)
				}
				body = in
			}

			appender, err := a.appender(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appender.Append(cmd.Context(), body)
			if err != nil {
				if errors.Is(err, apperrors.ErrValidation) {
					return fmt.Errorf("nothing to ingest: %w", err)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "transaction rows to append")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
