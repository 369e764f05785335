package commands

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		parallelism int
		maxAttempts int
		leaseTTL    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run one reconciliation cycle",
		Long: `Run a single reconciliation cycle: diff the document against recorded
state, build the staged plan and execute it.

The store lease is taken for the duration of the cycle so a concurrent
reconcile loop or second apply cannot interleave state writes.`,
		Example: `  # Apply the default document
  reflow apply

  # Apply with limited parallelism
  reflow apply --parallelism 2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			reg, err := newProviderRegistry()
			if err != nil {
				return err
			}

			executor := engine.NewExecutor(reg, store, engine.ExecutorOptions{
				MaxParallel: parallelism,
				MaxAttempts: maxAttempts,
				Logger:      log.Logger,
			})
			rec := engine.NewReconciler(newDocumentSource(), store, reg, executor, engine.ReconcilerOptions{
				LeaseTTL: leaseTTL,
				Logger:   log.Logger,
			})

			report, err := rec.RunOnce(ctx, true)
			if err != nil {
				return err
			}

			printReport(report)
			if report.Status.IsTerminalFailure() {
				return fmt.Errorf("cycle %s finished with status %s", report.ID, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations per stage")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "provider attempts per operation")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 10*time.Minute, "state lease time to live")

	return cmd
}

func printReport(report *engine.CycleReport) {
	names := make([]string, 0, len(report.Results))
	for name := range report.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		res := report.Results[name]
		line := fmt.Sprintf("%-10s %s", res.Status, name)
		if res.Error != "" {
			line += "  # " + res.Error
		}
		fmt.Println(line)
	}

	fmt.Printf("\nCycle %s: %s in %s\n", report.ID, report.Status, report.Duration.Round(time.Millisecond))
	if report.Error != "" {
		fmt.Printf("Error: %s\n", report.Error)
	}
}
