package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue rank runs for tracked keywords that are due",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "tick")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Scheduler.Run(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
