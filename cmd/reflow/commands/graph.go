package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/engine"
)

func newGraphCommand() *cobra.Command {
	var withDiff bool

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Export the dependency graph in DOT format",
		Long: `Render the resource dependency graph as Graphviz DOT on stdout. With
--diff, nodes are colored by the operation the next cycle would perform.`,
		Example: `  # Render the graph
  reflow graph | dot -Tsvg -o graph.svg

  # Color nodes by pending operation
  reflow graph --diff | dot -Tpng -o plan.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			doc, err := newDocumentSource().Load(ctx)
			if err != nil {
				return err
			}
			graph, err := engine.BuildGraph(doc)
			if err != nil {
				return err
			}

			var diff *engine.DiffSet
			if withDiff {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()

				states, err := store.List(ctx)
				if err != nil {
					return err
				}
				reg, err := newProviderRegistry()
				if err != nil {
					return err
				}
				diff, err = engine.NewDiffer(reg).Diff(graph, states)
				if err != nil {
					return err
				}
			}

			fmt.Print(engine.ToDOT(graph, diff))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withDiff, "diff", false, "color nodes by pending operation")
	return cmd
}
