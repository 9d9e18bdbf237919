package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/config"
	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/telemetry"
)

var version = "0.1.0"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	debug      bool
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "vahti",
		Short: "Policy evaluation over a cloud asset snapshot",
		Long: `Vahti - compliance policies over a cloud asset snapshot

Vahti ingests asset envelopes exported by discovery tools into a local
snapshot, evaluates declarative policy bundles against it and reports
every violating asset.

Exit codes: 0 no violations, 1 violations found, 2 fatal error.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupLogging(cmd.ErrOrStderr(), opts.debug)
		},
	}
	rootCmd.SetVersionTemplate(`Vahti {{.Version}} - policy evaluation engine
`)

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to vahti.toml")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		newScanCommand(opts),
		newValidateCommand(opts),
		newIngestCommand(opts),
		newServeCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	return execute(newRootCmd(), os.Args[1:])
}

func execute(rootCmd *cobra.Command, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return engine.ExitClean
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		if exitErr.err != nil {
			log.Error().Err(exitErr.err).Msg("vahti failed")
		}
		return exitErr.code
	}
	fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	return engine.ExitFatal
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vahti %s\n", version)
		},
	}
}

func setupLogging(w io.Writer, debug bool) error {
	console := zerolog.ConsoleWriter{Out: w}
	log.Logger = log.Output(console)
	telemetry.SetOutput(console)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	return nil
}

// loadConfig reads the config file when one is given, otherwise defaults.
// The log level from the file applies unless --debug is set.
func loadConfig(opts *globalOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
	}
	if !opts.debug {
		if err := telemetry.SetLevel(cfg.Log.Level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	return cfg, nil
}
