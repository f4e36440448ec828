package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/conductor/pkg/history"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	historyLimit    int
	historySession  string
	historyProvider string
	historyJSON     bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently finished runs",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of runs")
	historyCmd.Flags().StringVar(&historySession, "session", "", "only runs of this session")
	historyCmd.Flags().StringVar(&historyProvider, "provider", "", "only runs of this provider")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print runs as JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("run history is disabled")
	}

	store, err := history.NewStore(history.Config{Path: cfg.History.Path, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Recent(cmd.Context(), history.Query{
		SessionID: historySession,
		Provider:  historyProvider,
		Limit:     historyLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		if runs == nil {
			runs = []history.Run{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tSESSION\tPROVIDER\tPHASE\tSTATUS\tDURATION\tPROMPT")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.FinishedAt.Local().Format(time.DateTime),
			run.SessionID, run.Provider, run.Phase, run.Status,
			run.Duration().Round(time.Millisecond), truncate(run.Prompt, 40))
	}
	return tw.Flush()
}
