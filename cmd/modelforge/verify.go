package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/ZanzyTHEbar/modelforge/internal/export"
	"github.com/ZanzyTHEbar/modelforge/internal/verify"
)

func verifyCmd() *cli.Command {
	var (
		bundlePath   string
		prompt       string
		maxNewTokens int64
		seed         int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "exported bundle directory",
			Destination: &outputDir,
		},
		&cli.StringFlag{
			Name:        "bundle",
			Aliases:     []string{"b"},
			Usage:       "path to the .mbf bundle (default <output-dir>/model.mbf)",
			Destination: &bundlePath,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt for the verification generation",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate",
			Value:       16,
			Destination: &maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Value:       42,
			Destination: &seed,
		},
	}
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "verify",
		Usage: "Run a short generation against an exported bundle",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if outputDir == "" && bundlePath == "" {
				return cli.Exit("error: --output-dir or --bundle is required", 1)
			}
			assetDir := outputDir
			if bundlePath == "" {
				bundlePath = filepath.Join(outputDir, export.BundleFileName)
			}
			if assetDir == "" {
				assetDir = filepath.Dir(bundlePath)
			}

			res := verify.Run(ctx, verify.Options{
				BundlePath:   bundlePath,
				AssetDir:     assetDir,
				Prompt:       prompt,
				MaxNewTokens: int(maxNewTokens),
				Seed:         seed,
			})
			if !res.OK {
				return cli.Exit(fmt.Sprintf("error: verify: %v", res.Err), 1)
			}

			fmt.Printf("Prompt:    %s\n", res.Prompt)
			fmt.Printf("Output:    %s\n", res.Output)
			fmt.Printf("Generated: %d tokens in %s\n", res.TokenCount, res.Elapsed.Round(timeRound))
			return nil
		},
	}
}
