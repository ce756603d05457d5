// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/LeeDigitalWorks/zapgate/pkg/logger"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zapgate",
	Short: "zapgate - chunk storage substrate for an S3 gateway",
	Long: `zapgate stores objects as deduplicated, replicated chunks.
Storage agents hold chunk replicas; gateways map object keys onto chunks
through a shared metadata store; workers collect unreferenced chunks.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
}

func initializeLogging(cmd *cobra.Command, args []string) {
	level, _ := cmd.Flags().GetString("log_level")
	if level == "" {
		return
	}
	if err := logger.SetLevelString(level); err != nil {
		logger.Warn().Err(err).Str("log_level", level).Msg("ignoring invalid log level")
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
