package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/telemetry"
)

func newScanCommand(global *globalOptions) *cobra.Command {
	flags := &scanFlags{}
	var (
		reportPath string
		s3Bucket   string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Evaluate the policy catalog against the asset snapshot",
		Long: `Evaluate every enabled policy against the current asset snapshot and
write the scan report.

Interrupting a scan (Ctrl+C) stops dispatching rules and reports what
finished. A policy bundle that fails to load aborts the scan before any
rule runs.`,
		Example: `  vahti scan -p ./policies                       # Report to stdout
  vahti scan -p ./policies --out report.json     # Report to a file
  vahti scan --include CIS-AWS --region eu-west-1
  vahti scan --backend postgres --dsn postgres://localhost/assets`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			if cmd.Flags().Changed("s3-bucket") {
				cfg.Report.S3Bucket = s3Bucket
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

			catalog, err := loadCatalog(ctx, cfg.Policies)
			if err != nil {
				return &exitError{code: engine.Summarize(nil, err).ExitCode(), err: err}
			}

			gateway, closeGateway, err := openGateway(ctx, cfg.Store)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			defer func() { _ = closeGateway() }()

			emit, err := buildEmitters(ctx, cfg.Report, reportPath, cmd.OutOrStdout(), false)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			defer func() { _ = emit.Close() }()

			metrics, err := engine.NewMetrics()
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}

			orch := engine.NewOrchestrator(gateway, engineOptions(cfg.Scan, metrics))
			report, err := orch.Run(ctx, catalog, scopeFromConfig(cfg.Scope))
			summary := engine.Summarize(report, err)
			if err != nil {
				return &exitError{code: summary.ExitCode(), err: err}
			}

			// the report of an interrupted scan is still written
			if err := emit.Emit(context.WithoutCancel(ctx), report); err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}

			if summary.Partial {
				log.Warn().
					Str("reason", report.Metadata.CancelReason).
					Int("rules_pending", report.Metadata.RulesPending).
					Msg("scan was cancelled, report is partial")
			}
			log.Info().
				Str("scan_id", report.Metadata.ScanID).
				Int("violations", summary.NumOfViolations).
				Int("errors", summary.Errors).
				Dur("duration", report.Metadata.Duration).
				Msg("scan complete")

			if code := summary.ExitCode(); code != engine.ExitClean {
				return &exitError{code: code}
			}
			return nil
		},
	}

	flags.register(cmd.Flags())
	cmd.Flags().StringVarP(&reportPath, "out", "o", "-", "Report destination file ('-' for stdout, '' to skip)")
	cmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "Also upload the report to this S3 bucket")
	return cmd
}
