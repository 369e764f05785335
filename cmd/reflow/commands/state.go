package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the applied-state record",
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRemoveCommand())
	cmd.AddCommand(newStateHistoryCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every managed resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.List(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}

			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				state := states[name]
				fmt.Printf("%-24s %-20s %-10s %s\n", name, state.Kind, state.Status, state.ProviderID)
			}
			fmt.Printf("\n%d resources\n", len(states))
			return nil
		},
	}
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show the full record of one resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			state, err := store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if state == nil {
				return fmt.Errorf("no state recorded for %q", args[0])
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
}

func newStateRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Drop a resource from the record without deleting it",
		Long: `Drop a resource from the applied-state record without calling its
provider. The next cycle treats the resource as never created.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s from state\n", args[0])
			return nil
		},
	}
}

func newStateHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconciliation cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			cycles, err := store.ListCycles(ctx, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cycles)
			}

			for _, cycle := range cycles {
				fmt.Printf("%s  %-10s %8s  %s\n",
					cycle.StartedAt.Format(time.RFC3339),
					cycle.Status,
					cycle.Duration.Round(time.Millisecond),
					summaryLine(cycle))
				if cycle.Error != "" {
					fmt.Printf("  error: %s\n", cycle.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of cycles to show")
	return cmd
}

func summaryLine(cycle *engine.CycleReport) string {
	s := cycle.Summary
	return fmt.Sprintf("create=%d update=%d replace=%d delete=%d noop=%d",
		s.Create, s.Update, s.Replace, s.Delete, s.NoOp)
}
