package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/job"
	"github.com/samcharles93/kerneltune/internal/kernel"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

func spaceCmd() *cli.Command {
	return &cli.Command{
		Name:  "space",
		Usage: "List the valid configurations of a job with their launch geometry",
		Flags: []cli.Flag{jobFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			spec, err := job.Load(jobPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load job: %v", err), 1)
			}
			spec.Log = logger.FromContext(ctx)
			j, err := spec.Build()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", jobPath, err), 1)
			}
			if err := printSpace(os.Stdout, j); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

func printSpace(w io.Writer, j tuner.Job) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range j.Space.Names() {
		fmt.Fprintf(tw, "%s\t", p)
	}
	fmt.Fprintln(tw, "block\tgrid\tthreads\tkernel\t")

	valid := 0
	for cfg := range j.Space.Valid(j.Restrictions...) {
		geom, err := kernel.ComputeGeometry(j.Problem, cfg, j.GridDiv)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfg, err)
		}
		for _, v := range cfg.Values() {
			fmt.Fprintf(tw, "%s\t", v)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t\n", geom.Block, geom.Grid, geom.Threads(), kernel.VariantName(j.KernelName, cfg))
		valid++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d valid of %d configurations\n", valid, j.Space.Size())
	return err
}
