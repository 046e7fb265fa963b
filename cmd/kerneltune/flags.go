package main

import "github.com/urfave/cli/v3"

var (
	jobPath     string
	backendName string
	arch        string
	devices     string
	logLevel    string
	logFormat   string
	debug       bool
)

func jobFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "job",
		Aliases:     []string{"j"},
		Usage:       "path to the tuning job (.yaml or .json)",
		Required:    true,
		Destination: &jobPath,
	}
}

func backendFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, cuda, dryrun)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.StringFlag{
			Name:        "arch",
			Usage:       "target architecture override, e.g. sm_80 (default: detected)",
			Destination: &arch,
		},
		&cli.StringFlag{
			Name:        "device",
			Aliases:     []string{"d"},
			Usage:       "device ordinal, or a comma-separated list to tune on several devices",
			Value:       "0",
			Destination: &devices,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
