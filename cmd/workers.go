package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildd-ai/runner/internal/history"
	"github.com/buildd-ai/runner/internal/paths"
	"github.com/buildd-ai/runner/internal/presentation"
	"github.com/buildd-ai/runner/internal/store"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers persisted on this machine",
	Long: `List the workers persisted under the runner's data directory as
indented JSON.

With --history, list archived workers from the history database instead:
rows written when terminal workers aged out of memory.

Example:
  buildd-runner workers
  buildd-runner workers --history --limit 20`,
	RunE: runWorkers,
}

var (
	workersHistory bool
	workersLimit   int
)

func init() {
	rootCmd.AddCommand(workersCmd)

	workersCmd.Flags().BoolVar(&workersHistory, "history", false, "list archived workers instead of live records")
	workersCmd.Flags().IntVar(&workersLimit, "limit", 50, "maximum archived rows to return (with --history)")
}

func runWorkers(_ *cobra.Command, _ []string) error {
	formatter := presentation.NewFormatter(os.Stdout)

	if workersHistory {
		db, err := history.NewDB(cfg.History.ResolvedPath())
		if err != nil {
			return fmt.Errorf("opening history db: %w", err)
		}
		defer func() { _ = db.Close() }()

		rows, err := db.Workers().List(workersLimit)
		if err != nil {
			return fmt.Errorf("listing archived workers: %w", err)
		}
		return formatter.FormatArchived(presentation.FromArchivedList(rows))
	}

	st, err := store.New(paths.WorkersDir())
	if err != nil {
		return fmt.Errorf("opening worker store: %w", err)
	}
	workers, err := st.LoadAll()
	if err != nil {
		return fmt.Errorf("loading workers: %w", err)
	}
	return formatter.FormatWorkers(presentation.FromWorkers(workers))
}
