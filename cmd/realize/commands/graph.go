package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/realize/pkg/engine"
	"github.com/openfroyo/realize/pkg/report"
)

func (a *app) newGraphCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph [path...]",
		Short: "Print the dependency graph in DOT format",
		Long: `Graph builds the dependency graph of the declarations and prints it in
Graphviz DOT format. Implied parent directories are drawn grey, edges
from "after" declarations are dashed.`,
		Example: `  # Render the graph as SVG
  realize graph ./site | dot -Tsvg > site.svg

  # Write the graph to a file
  realize graph -o site.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			doc, err := a.loadDocument(ctx, args)
			if err != nil {
				return err
			}

			graph, err := engine.New(engine.Options{}).Plan(ctx, doc.Configure)
			if err != nil {
				return &exitError{code: report.ExitAborted, err: err}
			}

			dot := graph.ToDOT()
			if output == "" {
				_, err := fmt.Fprint(a.out, dot)
				return err
			}
			if err := os.WriteFile(output, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write graph: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the graph to a file instead of stdout")
	cmd.Flags().StringToString("var", nil, "variables for Starlark scripts (key=value)")

	return cmd
}
