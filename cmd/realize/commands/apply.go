package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/realize"
	"github.com/openfroyo/realize/pkg/report"
)

func (a *app) newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply [path...]",
		Short: "Converge this machine to the declared state",
		Long: `Apply loads declarations, orders them by their dependencies, checks them
against admission policies and converges every resource.

Exit status:
  0    every resource was unchanged or changed
  1    a resource failed or was blocked by a failed dependency
  2    the run was aborted before anything was probed
  130  the run was cancelled`,
		Example: `  # Apply the declarations in the current directory
  realize apply

  # Apply two files with four resources converged at once
  realize apply -p 4 base.yaml app.cue

  # Record the run in the history database
  realize apply --history --history-path ./history.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.converge(cmd, args, false)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func (a *app) newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan [path...]",
		Short: "Show what apply would change",
		Long: `Plan probes every resource and reports the changes apply would make
without making them. Dependents of a resource that would change are
still probed against the current state.`,
		Example: `  # Preview changes with content diffs
  realize plan

  # Machine readable preview
  realize plan --json ./site`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.converge(cmd, args, true)
		},
	}
	addRunFlags(cmd)
	return cmd
}

// converge runs the declarations at args once and maps the result to an
// exit status.
func (a *app) converge(cmd *cobra.Command, args []string, dryRun bool) error {
	ctx := cmd.Context()

	doc, err := a.loadDocument(ctx, args)
	if err != nil {
		return err
	}
	cfg, err := a.runConfig(dryRun, doc.SourceFiles)
	if err != nil {
		return err
	}

	log.Debug().
		Int("declarations", doc.Len()).
		Strs("sources", doc.SourceFiles).
		Bool("dry_run", dryRun).
		Msg("Converging")

	runner, err := realize.NewRunner(ctx, cfg)
	if err != nil {
		return &exitError{code: report.ExitAborted, err: err}
	}
	defer func() {
		if err := runner.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	_, code := runner.Run(ctx, doc.Configure)
	return exitWith(code)
}
