package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/engine"
	"github.com/yairfalse/vahti/internal/policy"
)

func newValidateCommand(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [bundle paths...]",
		Short: "Load policy bundles and report every problem",
		Long: `Load policy bundles the way a scan does, without touching the asset store.

Exits with code 0 if the catalog loads, 2 otherwise. Without arguments the
configured policy paths are validated.`,
		Example: `  vahti validate ./policies
  vahti validate cis.yaml pci.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return &exitError{code: engine.ExitFatal, err: err}
			}
			paths := cfg.Policies.Paths
			if len(args) > 0 {
				paths = args
			}

			catalog, err := policy.LoadFiles(cmd.Context(), paths...)
			if err != nil {
				var loadErr *policy.LoadError
				if errors.As(err, &loadErr) {
					for _, p := range loadErr.Problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", p.Error())
					}
					err = fmt.Errorf("%d problem(s) in policy catalog", len(loadErr.Problems))
				}
				return &exitError{code: engine.ExitFatal, err: err}
			}

			out := cmd.OutOrStdout()
			for _, p := range catalog.Policies() {
				state := "enabled"
				if !p.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(out, "%s\t%s\t%d rules\t%s\n", p.PolicyID, state, len(p.Rules), p.PolicyName)
			}
			fmt.Fprintf(out, "%d policies, %d rules\n", catalog.Len(), catalog.RuleCount())
			return nil
		},
	}
}
