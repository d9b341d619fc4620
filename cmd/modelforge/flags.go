package main

import (
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ZanzyTHEbar/modelforge/internal/logger"
)

var (
	modelID   string
	outputDir string
	revision  string
	hfToken   string
	hubURL    string
	device    string
	precision string
	logLevel  string
	logFormat string
	debug     bool
)

func commonExportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-id",
			Aliases:     []string{"m"},
			Usage:       "hub repository id (org/name)",
			Value:       "LiquidAI/LFM2-350M",
			Destination: &modelID,
		},
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "destination directory for the exported bundle",
			Destination: &outputDir,
		},
		&cli.StringFlag{
			Name:        "revision",
			Aliases:     []string{"rev"},
			Usage:       "branch, tag, or commit to export",
			Value:       "main",
			Destination: &revision,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "hub access token (required for gated repositories)",
			Sources:     cli.EnvVars("HF_TOKEN"),
			Destination: &hfToken,
		},
		&cli.StringFlag{
			Name:        "hub-url",
			Usage:       "override the hub base URL",
			Destination: &hubURL,
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

// buildLogger constructs the command logger from the logging flags.
func buildLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	default:
		return logger.Pretty(os.Stderr, level)
	}
}
