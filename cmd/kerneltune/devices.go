package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/backend"
)

func devicesCmd() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "List the backends in this build and the devices they can open",
		Flags: backendFlags()[1:],
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ordinals, err := parseDevices(devices)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tDEVICE\tNAME\tCC\tMAX THREADS\tMEMORY\t")
			for name := range strings.SplitSeq(backend.Available(), ",") {
				for _, dev := range ordinals {
					b, err := backend.New(name, backend.Options{Device: dev, Arch: arch})
					if err != nil {
						fmt.Fprintf(tw, "%s\t%d\t(unavailable: %v)\t\t\t\t\n", name, dev, err)
						continue
					}
					info := b.Info()
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\t\n", name, info.Ordinal, info.Name, info.ComputeCapability, info.MaxThreadsPerBlock, formatBytes(info.MemoryBytes))
					_ = b.Close()
				}
			}
			return tw.Flush()
		},
	}
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "-"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
