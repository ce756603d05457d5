// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/LeeDigitalWorks/zapgate/pkg/agent/client"
	"github.com/LeeDigitalWorks/zapgate/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping [agent...]",
	Short: "Check that agents answer and print their status",
	Long: `Ping calls stat on each agent given as an argument, or on every
configured agent when none are given.`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	addClusterFlags(pingCmd.Flags())
}

func runPing(cmd *cobra.Command, args []string) error {
	utils.LoadConfiguration("zapgate", false)
	opts, err := loadClusterOpts(cmd)
	if err != nil {
		return err
	}
	addrs := args
	if len(addrs) == 0 {
		for _, a := range opts.Agents {
			addrs = append(addrs, a.Addr)
		}
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no agents given")
	}

	pool, err := newPool(opts, "cli")
	if err != nil {
		return err
	}
	defer pool.Close()
	agents := client.New(pool, 0)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tID\tRTT\tBACKEND\tCHUNKS\tSTORED\tDISK\tUP")
	var failed int
	for _, addr := range addrs {
		start := time.Now()
		st, err := agents.Stat(cmd.Context(), addr)
		if err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t-\t-\terror: %v\t\t\t\t\n", addr, err)
			continue
		}
		disk := "-"
		if st.DiskTotal > 0 {
			disk = humanize.IBytes(st.DiskUsed) + "/" + humanize.IBytes(st.DiskTotal)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			addr, st.ID,
			time.Since(start).Round(time.Microsecond),
			st.Backend,
			humanize.Comma(int64(st.Chunks)),
			humanize.IBytes(st.Bytes),
			disk,
			humanize.Time(time.Unix(st.StartedAt, 0)),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d agents unreachable", failed, len(addrs))
	}
	return nil
}
