package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/telemetry"
)

func newServeCommand(global *globalOptions) *cobra.Command {
	flags := &scanFlags{}
	var (
		interval    string
		metricsAddr string
		reportPath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Scan continuously and export metrics",
		Long: `Run Vahti as a daemon. The catalog is reloaded and the snapshot scanned
every interval; the first scan starts immediately.

Endpoints:
- /metrics Prometheus metrics
- /healthz JSON health with the latest cycle
- /-/healthy and /-/ready probes

A policy bundle that fails to load fails that cycle only.`,
		Example: `  vahti serve -p ./policies                  # Run with defaults
  vahti serve --interval 5m                  # Scan every 5 minutes
  vahti serve --metrics-addr :2112 --out latest.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				if cfg.Daemon.Interval, err = parseDuration("interval", interval); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			sel, err := selectorFromConfig(cfg.Policies)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
			if err != nil {
				return err
			}
			defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

			gateway, closeGateway, err := openGateway(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer func() { _ = closeGateway() }()

			emit, err := buildEmitters(ctx, cfg.Report, reportPath, cmd.OutOrStdout(), true)
			if err != nil {
				return err
			}

			engineMetrics, err := engine.NewMetrics()
			if err != nil {
				return err
			}
			daemonMetrics, err := daemon.NewDaemonMetrics()
			if err != nil {
				return err
			}

			d, err := daemon.NewDaemon(daemon.Config{
				Interval:       cfg.Daemon.Interval,
				MetricsAddr:    cfg.Daemon.MetricsAddr,
				PolicyPaths:    cfg.Policies.Paths,
				Selector:       sel,
				Scope:          scopeFromConfig(cfg.Scope),
				Engine:         engineOptions(cfg.Scan, engineMetrics),
				MetricsHandler: provider.MetricsHandler(),
				Metrics:        daemonMetrics,
			}, gateway, emit)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			log.Info().
				Str("backend", cfg.Store.Backend).
				Strs("policies", cfg.Policies.Paths).
				Dur("interval", cfg.Daemon.Interval).
				Str("metrics_addr", cfg.Daemon.MetricsAddr).
				Int("emitters", emit.Len()).
				Msg("vahti daemon starting")

			if err := d.Start(ctx); err != nil {
				return err
			}
			log.Info().Msg("vahti daemon stopped")
			return nil
		},
	}

	flags.register(cmd.Flags())
	cmd.Flags().StringVar(&interval, "interval", "", "Scan interval, e.g. 15m")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics and health listen address")
	cmd.Flags().StringVarP(&reportPath, "out", "o", "", "Write the latest report to this file")
	return cmd
}
