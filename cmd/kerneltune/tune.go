package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/job"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/metrics"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

func tuneCmd() *cli.Command {
	var (
		iterations  int64
		maxConfigs  int64
		timeBudget  time.Duration
		trialPolicy string
		csvOut      string
		jsonOut     string
		verbose     bool
	)

	flags := append([]cli.Flag{jobFlag()}, backendFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "iterations",
			Aliases:     []string{"n"},
			Usage:       "timed launches per configuration (overrides the job)",
			Value:       1,
			Destination: &iterations,
		},
		&cli.Int64Flag{
			Name:        "max-configs",
			Usage:       "stop after this many configurations, 0 for no limit (overrides the job)",
			Destination: &maxConfigs,
		},
		&cli.DurationFlag{
			Name:        "time-budget",
			Usage:       "stop once this much time has passed, 0 for no limit (overrides the job)",
			Destination: &timeBudget,
		},
		&cli.StringFlag{
			Name:        "trial-policy",
			Usage:       "how trials of one configuration are reduced (mean, min)",
			Destination: &trialPolicy,
		},
		&cli.StringFlag{
			Name:        "csv",
			Usage:       "write the results as CSV to this path",
			Destination: &csvOut,
		},
		&cli.StringFlag{
			Name:        "json",
			Usage:       "write the full report as JSON to this path",
			Destination: &jsonOut,
		},
		&cli.BoolFlag{
			Name:        "verbose",
			Aliases:     []string{"v"},
			Usage:       "print every configuration as it is benchmarked",
			Destination: &verbose,
		},
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Benchmark every valid configuration of a job and report the fastest",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyBackendConfig(cmd, cfg)

			spec, err := job.Load(jobPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load job: %v", err), 1)
			}
			spec.Log = log
			j, err := spec.Build()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", jobPath, err), 1)
			}
			opts, err := spec.Options()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", jobPath, err), 1)
			}

			if cfg.Iterations != nil && spec.Iterations == 0 && !cmd.IsSet("iterations") {
				opts = append(opts, tuner.WithIterations(int(*cfg.Iterations)))
			}
			if cmd.IsSet("iterations") {
				opts = append(opts, tuner.WithIterations(int(iterations)))
			}
			if cmd.IsSet("max-configs") {
				opts = append(opts, tuner.WithMaxConfigs(int(maxConfigs)))
			}
			if cmd.IsSet("time-budget") {
				opts = append(opts, tuner.WithTimeBudget(timeBudget))
			}
			if cmd.IsSet("trial-policy") {
				policy, err := tuner.ParseTrialPolicy(trialPolicy)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				opts = append(opts, tuner.WithTrialPolicy(policy))
			}
			opts = append(opts,
				tuner.WithLogger(log),
				tuner.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
			)
			if verbose {
				opts = append(opts, tuner.WithObserver(progressPrinter(j.Space.Names())))
			}

			bs, err := openBackends(backendName, arch, devices)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer func() {
				if err := closeBackends(bs); err != nil {
					log.Warn("closing backends", "error", err)
				}
			}()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			log.Info("tuning", "kernel", j.KernelName, "configs", j.Space.Size(), "backend", bs[0].Name(), "devices", len(bs))
			var rep *tuner.Report
			var tuneErr error
			if len(bs) == 1 {
				rep, tuneErr = tuner.New(bs[0], opts...).Tune(ctx, j)
			} else {
				rep, tuneErr = tuner.NewPool(bs, opts...).Tune(ctx, j)
			}
			if rep != nil {
				if err := writeReport(rep, csvOut, jsonOut); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			if tuneErr != nil {
				return cli.Exit(fmt.Sprintf("error: tuning aborted: %v", tuneErr), 1)
			}
			return nil
		},
	}
}

// progressPrinter prints each outcome as a table row while the run is in
// progress.
func progressPrinter(params []string) func(tuner.Event) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header := false
	return func(ev tuner.Event) {
		if !header {
			for _, p := range params {
				fmt.Fprintf(tw, "%s\t", p)
			}
			fmt.Fprintln(tw, "time (ms)\tblock\tgrid\t")
			header = true
		}
		if ev.Result != nil {
			tuner.WriteRow(tw, *ev.Result)
		} else {
			for _, v := range ev.Skip.Config.Values() {
				fmt.Fprintf(tw, "%s\t", v)
			}
			fmt.Fprintf(tw, "skipped (%s)\t\t\t\n", ev.Skip.Reason)
		}
		_ = tw.Flush()
	}
}

func writeReport(rep *tuner.Report, csvPath, jsonPath string) error {
	fmt.Println()
	if err := rep.WriteTable(os.Stdout); err != nil {
		return err
	}
	if csvPath != "" {
		f, err := os.Create(csvPath)
		if err != nil {
			return fmt.Errorf("create csv: %w", err)
		}
		if err := rep.WriteCSV(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("write csv: %w", err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if jsonPath != "" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		if err := os.WriteFile(jsonPath, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write json: %w", err)
		}
	}
	return nil
}
