package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reviewpilot/batchd/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "batchd",
	Short: "Batch job orchestration for rank, visibility and analysis runs",
	Long:  "Enqueues credit-reserved batch runs, advances them in short ticks, settles credits on completion and gives operators tools to inspect, fail and retry runs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
