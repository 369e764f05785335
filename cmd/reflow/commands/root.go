package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/reflow-iac/reflow/pkg/document"
	"github.com/reflow-iac/reflow/pkg/engine"
	"github.com/reflow-iac/reflow/pkg/providers/static"
	"github.com/reflow-iac/reflow/pkg/stores"
)

var (
	// Global flags
	docPath    string
	statePath  string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reflow",
		Short: "Reflow - declarative resource reconciliation engine",
		Long: `Reflow continuously reconciles a declared resource document against the
real state of the world.

It builds a dependency graph from the document, diffs it against the
durable applied-state record, orders the required operations into staged
plans (deletes reverse, applies forward), and executes them through
providers with bounded concurrency, retry and partial-failure containment.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&docPath, "doc", "d", "reflow.yaml", "resource document path")
	rootCmd.PersistentFlags().StringVarP(&statePath, "state", "s", "reflow.db", "state database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newGraphCommand())

	return rootCmd
}

// openStore opens and migrates the state database.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// newProviderRegistry builds the provider registry with every known
// provider registered.
func newProviderRegistry() (*engine.Registry, error) {
	reg := engine.NewRegistry()
	if err := static.Register(reg, static.New()); err != nil {
		return nil, err
	}
	return reg, nil
}

func newDocumentSource() *document.FileSource {
	return document.NewFileSource(docPath)
}
