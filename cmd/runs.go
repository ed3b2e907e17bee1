package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/reviewpilot/batchd/internal/admin"
	"github.com/reviewpilot/batchd/internal/batch"
	"github.com/reviewpilot/batchd/internal/model"
	"github.com/reviewpilot/batchd/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and operate on batch runs",
	Long:  "Commands for listing, viewing, summarizing, force-failing and retrying batch runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active and recently failed runs across job types",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		ov, err := env.Console.Overview(ctx, admin.OverviewQuery{IncludeCompleted: all, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}
		for _, e := range ov.Errors {
			fmt.Fprintln(os.Stderr, "warning:", e)
		}

		if len(ov.Runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, ov.Runs)
		formatSummary(os.Stdout, ov.Summary)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run and its items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetBatchRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		out := struct {
			*model.BatchRun
			Items []model.BatchRunItem `json:"items,omitempty"`
		}{BatchRun: run}
		if run.JobType.ItemGranular() {
			if out.Items, err = st.ListItems(ctx, run.ID); err != nil {
				return eris.Wrap(err, "runs show items")
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		jobType, _ := cmd.Flags().GetString("job-type")

		filter := store.RunFilter{JobType: model.JobType(jobType), Limit: 10000}
		runs, err := st.ListBatchRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		cutoff := time.Time{}
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatRunStats(os.Stdout, computeRunStats(runs, cutoff))
		return nil
	},
}

// -- runs force-fail / retry --

var runsForceFailCmd = &cobra.Command{
	Use:   "force-fail <job-type> <run-id>",
	Short: "Fail a run and return its unused credits",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, args, (*admin.Console).ForceFail)
	},
}

var runsRetryCmd = &cobra.Command{
	Use:   "retry <job-type> <run-id>",
	Short: "Requeue a failed run from where it stopped",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, args, (*admin.Console).Retry)
	},
}

type consoleAction func(*admin.Console, context.Context, model.JobType, string) (*admin.ActionResult, error)

func runAction(cmd *cobra.Command, args []string, action consoleAction) error {
	ctx := cmd.Context()
	jobType, err := model.ParseJobType(args[0])
	if err != nil {
		return err
	}

	env, err := initEnv(ctx, "admin")
	if err != nil {
		return err
	}
	defer env.Close()

	res, err := action(env.Console, ctx, jobType, args[1])
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, res.Message)
	return nil
}

func init() {
	runsListCmd.Flags().Bool("all", false, "include completed runs")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h); 0 for all")
	runsStatsCmd.Flags().String("job-type", "", "restrict to one job type")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsForceFailCmd)
	runsCmd.AddCommand(runsRetryCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total         int
	Pending       int
	Processing    int
	Completed     int
	Failed        int
	TimedOut      int
	ItemsFailed   int
	CreditsUsed   int
	CreditsUnused int
	AvgDurSecs    float64
}

// computeRunStats aggregates runs created at or after since.
func computeRunStats(runs []model.BatchRun, since time.Time) runStats {
	var s runStats

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if r.CreatedAt.Before(since) {
			continue
		}
		s.Total++
		s.ItemsFailed += r.FailedItems
		s.CreditsUsed += r.CreditsUsed

		switch r.Status {
		case model.RunStatusPending:
			s.Pending++
		case model.RunStatusProcessing:
			s.Processing++
		case model.RunStatusCompleted:
			s.Completed++
			s.CreditsUnused += r.UnusedCredits()
			if r.StartedAt != nil && r.CompletedAt != nil {
				totalDur += r.CompletedAt.Sub(*r.StartedAt)
				durCount++
			}
		case model.RunStatusFailed:
			s.Failed++
			s.CreditsUnused += r.UnusedCredits()
			if r.ErrorMessage != nil && batch.IsTimeoutMessage(*r.ErrorMessage) {
				s.TimedOut++
			}
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []admin.RunView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tACCOUNT\tSTATUS\tPROGRESS\tCREDITS\tCREATED\tFLAGS")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t------\t--------\t-------\t-------\t-----")

	for _, r := range runs {
		account := r.AccountName
		if account == "" {
			account = r.AccountID
		}
		if len(account) > 24 {
			account = account[:21] + "..."
		}

		flags := ""
		if r.IsStuck {
			flags = "STUCK"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d (%d%%)\t%d/%d\t%s\t%s\n",
			truncateID(r.ID),
			r.JobType,
			account,
			r.Status,
			r.ProcessedItems, r.TotalItems, r.ProgressPercent,
			r.CreditsUsed, r.EstimatedCredits,
			r.CreatedAt.Format("2006-01-02 15:04"),
			flags,
		)
	}
	_ = w.Flush()
}

func formatSummary(out io.Writer, s admin.Summary) {
	_, _ = fmt.Fprintf(out, "\n%d runs, %d active, %d stuck, %d failed\n", s.Total, s.Active, s.Stuck, s.Failed)
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Processing:\t%d\n", s.Processing)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "  Timed out:\t%d\n", s.TimedOut)
	_, _ = fmt.Fprintf(w, "Failed items:\t%d\n", s.ItemsFailed)
	_, _ = fmt.Fprintf(w, "Credits used:\t%d\n", s.CreditsUsed)
	_, _ = fmt.Fprintf(w, "Credits returned:\t%d\n", s.CreditsUnused)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
