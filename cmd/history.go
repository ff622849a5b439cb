package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"thoreinstein.com/yard/pkg/journal"
)

// historyCmd queries the operation journal
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently run operations",
	Long: `Show operations recorded in the journal, newest first.

Every command that changes projects, workspaces or environments is recorded
with its outcome. An operation that failed and could not be rolled back is
shown as inconsistent together with the paths that need attention.

Examples:
  yard history
  yard history --project api
  yard history --failed-only --since 2026-01-02
  yard history --since 24h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHistoryCommand(cmd)
	},
}

var (
	historySince      string
	historyProject    string
	historyOperation  string
	historyFailedOnly bool
	historyLimit      int
	historyOutput     string
)

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historySince, "since", "", "start time (YYYY-MM-DD, YYYY-MM-DD HH:MM or a duration like 24h)")
	historyCmd.Flags().StringVar(&historyProject, "project", "", "filter by project")
	historyCmd.Flags().StringVar(&historyOperation, "operation", "", "filter by operation, e.g. adopt")
	historyCmd.Flags().BoolVar(&historyFailedOnly, "failed-only", false, "show only failed and inconsistent operations")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum number of operations to show")
	addOutputFlag(historyCmd, &historyOutput)
}

// parseSince accepts a date, a date and time, or a duration back from now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, errors.Newf("duration %q cannot be negative", s)
		}
		return now.Add(-d), nil
	}
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("cannot parse time %q (use YYYY-MM-DD, YYYY-MM-DD HH:MM or a duration)", s)
}

func runHistoryCommand(cmd *cobra.Command) error {
	app, err := newApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Journal == nil {
		if !app.Config.Journal.Enabled {
			return errors.New("the journal is disabled (journal.enabled = false)")
		}
		return errors.Newf("the journal at %s could not be opened", app.Config.Journal.Path)
	}

	opts := journal.QueryOptions{
		Project:    historyProject,
		Operation:  historyOperation,
		FailedOnly: historyFailedOnly,
		Limit:      historyLimit,
	}
	if historySince != "" {
		since, err := parseSince(historySince, time.Now())
		if err != nil {
			return errors.Wrap(err, "invalid --since time")
		}
		opts.Since = &since
	}

	entries, err := app.Journal.Query(cmd.Context(), opts)
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), historyOutput, entries, func(w io.Writer) error {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No operations found matching the criteria.")
			return nil
		}
		for _, e := range entries {
			target := e.Project
			if e.Workspace != "" {
				target += "/" + e.Workspace
			}
			fmt.Fprintf(w, "%s  %-12s %-14s %-24s %s\n",
				e.Started.Local().Format("2006-01-02 15:04:05"), e.Outcome, e.Operation, target, formatDuration(e.Duration))
			if e.Error != "" {
				fmt.Fprintf(w, "    %s\n", e.Error)
			}
		}
		return nil
	})
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
