package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/realize"
	"github.com/openfroyo/realize/pkg/report"
)

func (a *app) newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Check declarations without touching the machine",
		Long: `Validate loads declarations and builds the dependency graph without
probing anything.

This command checks:
  - YAML, CUE and Starlark syntax
  - Schema conformance of every declaration
  - Conflicting declarations of the same path
  - Dependency cycles
  - Admission policies (OPA/rego)

On success it prints the resources in the order they would be converged.`,
		Example: `  # Validate configs in current directory
  realize validate

  # Validate with extra policies for production
  realize validate --policy-path ./policies --environment production ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			doc, err := a.loadDocument(ctx, args)
			if err != nil {
				return err
			}
			cfg, err := a.runConfig(true, doc.SourceFiles)
			if err != nil {
				return err
			}

			runner, err := realize.NewRunner(ctx, cfg)
			if err != nil {
				return &exitError{code: report.ExitAborted, err: err}
			}
			defer func() { _ = runner.Close(ctx) }()

			graph, err := runner.Plan(ctx, doc.Configure)
			if err != nil {
				if engine.IsCancelled(err) {
					return &exitError{code: report.ExitCancelled, err: err}
				}
				return &exitError{code: report.ExitAborted, err: err}
			}

			log.Debug().Int("resources", graph.Len()).Msg("Configuration is valid")

			reporter := report.New(a.out, cfg.Report)
			if err := reporter.RenderPlan(graph); err != nil {
				return fmt.Errorf("failed to render plan: %w", err)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Bool("policy", true, "evaluate admission policies")
	f.StringSlice("policy-path", nil, "policy files or directories (.rego, .json)")
	f.String("environment", "", "environment name passed to policies")
	f.StringToString("var", nil, "variables for Starlark scripts (key=value)")

	return cmd
}
