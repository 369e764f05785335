package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a reconciliation cycle would change",
		Long: `Diff the resource document against recorded state and print the staged
plan without executing it.

This command:
  - Loads the document and builds the dependency graph
  - Diffs declared resources against the applied-state record
  - Orders the operations into destroy and apply stages`,
		Example: `  # Show the pending plan
  reflow plan

  # Machine-readable output
  reflow plan --json`,
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
			diff, err := engine.NewDiffer(reg).Diff(graph, states)
			if err != nil {
				return err
			}

			if !diff.HasChanges() {
				fmt.Println("No changes. Resources match the declared state.")
				return nil
			}

			plan, err := engine.BuildPlan(graph, diff)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			printDiff(diff)
			printPlan(plan)
			return nil
		},
	}

	return cmd
}

func printDiff(diff *engine.DiffSet) {
	names := diff.Names()
	sort.Strings(names)

	for _, name := range names {
		delta := diff.Deltas[name]
		if delta.Op == engine.OperationNoop {
			continue
		}
		fmt.Printf("%-8s %s (%s)", delta.Op, name, delta.Kind)
		if delta.Reason != "" {
			fmt.Printf("  # %s", delta.Reason)
		}
		fmt.Println()
		for _, change := range delta.Changes {
			marker := " "
			if change.ForcesReplace {
				marker = "!"
			}
			fmt.Printf("  %s %s: %v -> %v\n", marker, change.Field, change.Before, change.After)
		}
	}

	s := diff.Summary
	fmt.Printf("\nSummary: %d to create, %d to update, %d to replace, %d to delete, %d unchanged\n",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
}

func printPlan(plan *engine.Plan) {
	fmt.Printf("\nPlan %s (%d operations in %d stages):\n", plan.ID, plan.OperationCount(), len(plan.Stages))
	for _, stage := range plan.Stages {
		fmt.Printf("  stage %d:\n", stage.Index)
		for _, op := range stage.Operations {
			fmt.Printf("    %s %s %s (%s)\n", op.Step, op.Op, op.Name, op.Kind)
		}
	}
}
