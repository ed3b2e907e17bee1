package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reviewpilot/batchd/internal/monitoring"
)

var monitorLookback int

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Collect batch health metrics once, evaluate alerts and print the snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		mc := cfg.Monitoring
		if monitorLookback > 0 {
			mc.LookbackWindowHours = monitorLookback
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(env.Store, env.Reaper.Timeout),
			monitoring.NewAlerter(mc),
			mc,
		)
		snap, alerts, err := checker.Check(ctx)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(struct {
			Snapshot *monitoring.MetricsSnapshot `json:"snapshot"`
			Alerts   []monitoring.Alert          `json:"alerts"`
		}{snap, alerts}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	monitorCmd.Flags().IntVar(&monitorLookback, "lookback", 0, "lookback window in hours (default from config)")
	rootCmd.AddCommand(monitorCmd)
}
