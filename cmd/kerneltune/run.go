package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/args"
	"github.com/samcharles93/kerneltune/internal/job"
	"github.com/samcharles93/kerneltune/internal/logger"
	"github.com/samcharles93/kerneltune/internal/space"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

func runCmd() *cli.Command {
	var (
		configSpec string
		outDir     string
	)

	flags := append([]cli.Flag{jobFlag()}, backendFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "configuration to run as name=value pairs, e.g. block_size_x=128,tile=4 (default: first valid)",
			Destination: &configSpec,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "directory receiving one <arg>.bin file per output argument",
			Value:       ".",
			Destination: &outDir,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one configuration once and save its outputs, e.g. to produce reference answers",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyBackendConfig(cmd, LoadConfig())

			spec, err := job.Load(jobPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load job: %v", err), 1)
			}
			spec.Log = log
			j, err := spec.Build()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %s: %v", jobPath, err), 1)
			}
			cfg, err := pickConfig(j, configSpec)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			ordinals, err := parseDevices(devices)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			bs, err := openBackends(backendName, arch, strconv.Itoa(ordinals[0]))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer closeBackends(bs)

			log.Info("running kernel", "config", cfg.String(), "backend", bs[0].Name())
			out, err := tuner.RunKernel(ctx, bs[0], j, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: run %s: %v", cfg, err), 1)
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			for _, a := range outputArgs(spec, out) {
				path := filepath.Join(outDir, a.Name+".bin")
				if err := args.Save(path, a); err != nil {
					return cli.Exit(fmt.Sprintf("error: save %s: %v", a.Name, err), 1)
				}
				fmt.Printf("%s -> %s\n", a, path)
			}
			return nil
		},
	}
}

// pickConfig parses name=value pairs into a configuration of the job's
// space. An empty spec selects the first valid configuration.
func pickConfig(j tuner.Job, spec string) (space.Config, error) {
	if strings.TrimSpace(spec) == "" {
		for cfg := range j.Space.Valid(j.Restrictions...) {
			return cfg, nil
		}
		return space.Config{}, fmt.Errorf("%w: no configuration satisfies the restrictions", space.ErrConfiguration)
	}
	values := make(map[string]space.Value)
	for pair := range strings.SplitSeq(spec, ",") {
		name, raw, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return space.Config{}, fmt.Errorf("invalid config entry %q (expected name=value)", pair)
		}
		values[name] = parseValue(strings.TrimSpace(raw))
	}
	cfg, err := j.Space.Config(values)
	if err != nil {
		return space.Config{}, err
	}
	for _, r := range j.Restrictions {
		if !r(cfg) {
			return space.Config{}, fmt.Errorf("%w: %s violates the job restrictions", space.ErrConfiguration, cfg)
		}
	}
	return cfg, nil
}

func parseValue(s string) space.Value {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return space.Int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return space.Float(f)
	}
	return space.String(s)
}

// outputArgs selects the arguments marked as outputs, or every array
// argument when none is marked.
func outputArgs(spec *job.Spec, out args.List) []args.Arg {
	var sel []args.Arg
	for _, name := range spec.Outputs() {
		if i, ok := out.Index(name); ok {
			sel = append(sel, out[i])
		}
	}
	if len(sel) > 0 {
		return sel
	}
	for _, a := range out {
		if !a.Scalar {
			sel = append(sel, a)
		}
	}
	return sel
}
