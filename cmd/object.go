// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/LeeDigitalWorks/zapgate/pkg/mapping"
	"github.com/LeeDigitalWorks/zapgate/pkg/types"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Store, read and remove objects",
	Long: `Object commands act as a gateway: they chunk objects onto the
configured agents and record mappings in the metadata store.`,
}

var objectPutCmd = &cobra.Command{
	Use:   "put <bucket> <key> [file]",
	Short: "Upload a file (or stdin) as an object",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runObjectPut,
}

var objectGetCmd = &cobra.Command{
	Use:   "get <bucket> <key>",
	Short: "Download an object or a byte range of it",
	Args:  cobra.ExactArgs(2),
	RunE:  runObjectGet,
}

var objectStatCmd = &cobra.Command{
	Use:   "stat <bucket> <key>",
	Short: "Print an object's mapping",
	Args:  cobra.ExactArgs(2),
	RunE:  runObjectStat,
}

var objectRmCmd = &cobra.Command{
	Use:   "rm <bucket> <key>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(2),
	RunE:  runObjectRm,
}

var objectLsCmd = &cobra.Command{
	Use:   "ls <bucket> [prefix]",
	Short: "List objects",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runObjectLs,
}

func init() {
	rootCmd.AddCommand(objectCmd)
	objectCmd.AddCommand(objectPutCmd, objectGetCmd, objectStatCmd, objectRmCmd, objectLsCmd)

	pf := objectCmd.PersistentFlags()
	addClusterFlags(pf)
	viper.BindPFlags(pf)

	objectPutCmd.Flags().String("account", "", "Owning account")
	objectGetCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	objectGetCmd.Flags().String("range", "", "Byte range start-end, end exclusive (e.g. 1000-2000)")
	objectLsCmd.Flags().Int("limit", 1000, "Maximum objects to list")
}

func runObjectPut(cmd *cobra.Command, args []string) error {
	g, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	body := io.Reader(cmd.InOrStdin())
	size := int64(-1)
	if len(args) == 3 && args[2] != "-" {
		f, err := os.Open(args[2])
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}
		body, size = f, fi.Size()
	}

	account, _ := cmd.Flags().GetString("account")
	m, err := g.builder.Write(cmd.Context(), mapping.WriteRequest{
		Account: account,
		Bucket:  args[0],
		Key:     args[1],
		Body:    body,
		Size:    size,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s etag=%s chunks=%d\n",
		m.Bucket, m.Key, humanize.IBytes(m.Size), m.ETag, len(m.Fragments))
	return nil
}

func runObjectGet(cmd *cobra.Command, args []string) error {
	rangeFlag, _ := cmd.Flags().GetString("range")
	rng, err := parseRange(rangeFlag)
	if err != nil {
		return err
	}

	g, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	out := cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	_, err = g.reader.Read(cmd.Context(), args[0], args[1], rng, out)
	return err
}

func runObjectStat(cmd *cobra.Command, args []string) error {
	g, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	m, err := g.reader.Stat(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func runObjectRm(cmd *cobra.Command, args []string) error {
	g, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	m, err := g.deleter.Delete(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s (%s)\n", m.Bucket, m.Key, humanize.IBytes(m.Size))
	return nil
}

func runObjectLs(cmd *cobra.Command, args []string) error {
	g, err := openGateway(cmd)
	if err != nil {
		return err
	}
	defer g.Close()

	prefix := ""
	if len(args) == 2 {
		prefix = types.NormalizeKey(args[1])
	}
	limit, _ := cmd.Flags().GetInt("limit")
	ms, err := g.store.ListMappings(cmd.Context(), args[0], prefix, limit)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, m := range ms {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			m.CreatedAt.Local().Format("2006-01-02 15:04:05"), humanize.IBytes(m.Size), m.ETag, m.Key)
	}
	return tw.Flush()
}

// parseRange parses "start-end" with an exclusive end. An empty string
// selects the whole object.
func parseRange(s string) (*mapping.Range, error) {
	if s == "" {
		return nil, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q, want start-end", mapping.ErrInvalidRange, s)
	}
	start, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", mapping.ErrInvalidRange, s, err)
	}
	end, err := strconv.ParseUint(hi, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", mapping.ErrInvalidRange, s, err)
	}
	return &mapping.Range{Start: start, End: end}, nil
}
