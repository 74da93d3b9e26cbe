package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/het0814/SD-voice-ai-service/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "verify-cli",
	Short: "Specialist directory verification service",
	Long:  "Schedules verification calls to specialist offices, tracks each call through its lifecycle, extracts facts from transcripts, and routes proposed changes through human review.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
