package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfroyo/realize/pkg/report"
)

// app carries state shared by all commands of one invocation.
type app struct {
	settings     *viper.Viper
	settingsFile string
	out          io.Writer
	errOut       io.Writer
}

// exitError carries a process exit status through cobra.
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

// exitWith returns nil for ExitOK so cobra treats success normally.
func exitWith(code int) error {
	if code == report.ExitOK {
		return nil
	}
	return &exitError{code: code}
}

// Execute runs the root command and returns the process exit status.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	return run(ctx, os.Args[1:], os.Stdout, os.Stderr, version, commit, buildDate)
}

func run(ctx context.Context, args []string, out, errOut io.Writer, version, commit, buildDate string) int {
	a := &app{
		settings: newSettings(),
		out:      out,
		errOut:   errOut,
	}
	rootCmd := a.newRootCommand(version, commit, buildDate)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return report.ExitOK
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(errOut, "Error: %v\n", err)
	return report.ExitAborted
}

func (a *app) newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "realize",
		Short: "realize - converge this machine to a declared state",
		Long: `realize reads declarations of files, directories and symlinks, orders
them by their dependencies and converges the local machine to them.

Every run probes the live system, so running it twice in a row is safe:
the second run reports everything unchanged.

Declarations can be written as:
  - YAML (.yaml, .yml)
  - CUE (.cue), checked against the built-in schema
  - Starlark scripts (.star) for generated declarations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadSettings(cmd)
		},
	}

	// Persistent flags available to all commands
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&a.settingsFile, "settings", "", "settings file (yaml, json or toml)")
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "console", "log format (console, json)")
	pf.Bool("json", false, "output in JSON format")
	pf.Bool("no-color", false, "disable colours in the report")
	pf.BoolP("verbose", "v", false, "also list implied resources that needed no change")

	rootCmd.AddCommand(a.newInitCommand())
	rootCmd.AddCommand(a.newValidateCommand())
	rootCmd.AddCommand(a.newPlanCommand())
	rootCmd.AddCommand(a.newApplyCommand())
	rootCmd.AddCommand(a.newGraphCommand())
	rootCmd.AddCommand(a.newWatchCommand())
	rootCmd.AddCommand(a.newHistoryCommand())

	return rootCmd
}
