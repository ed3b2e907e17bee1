package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/reviewpilot/batchd/internal/model"
)

var tickCmd = &cobra.Command{
	Use:   "tick <job-type|all>",
	Short: "Run one tick for a job type and print its summary",
	Long:  "Reaps stuck runs, claims the oldest active run of the job type and advances it by one batch. Meant to be fired by cron.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var jobType model.JobType
		if args[0] != "all" {
			jt, err := model.ParseJobType(args[0])
			if err != nil {
				return err
			}
			jobType = jt
		}

		env, err := initEnv(ctx, "tick")
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if jobType == "" {
			summaries, err := env.Runner.TickAll(ctx)
			if encErr := enc.Encode(summaries); encErr != nil {
				return encErr
			}
			return err
		}

		summary, err := env.Runner.Tick(ctx, jobType)
		if err != nil {
			return err
		}
		return enc.Encode(summary)
	},
}

func init() {
	rootCmd.AddCommand(tickCmd)
}
