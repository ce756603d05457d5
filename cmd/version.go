// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"runtime"

	"github.com/LeeDigitalWorks/zapgate/pkg/env"

	"github.com/spf13/cobra"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("zapgate {{.Version}}\n")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		for _, kv := range versionLines() {
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", kv[0]+":", kv[1])
		}
	},
}

func versionLines() [][2]string {
	return [][2]string{
		{"Version", Version},
		{"Git commit", GitCommit},
		{"Built", BuildDate},
		{"Go version", runtime.Version()},
		{"OS/Arch", runtime.GOOS + "/" + runtime.GOARCH},
		{"Environment", env.Get()},
	}
}
