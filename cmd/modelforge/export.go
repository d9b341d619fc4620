package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/ZanzyTHEbar/modelforge/internal/export"
	"github.com/ZanzyTHEbar/modelforge/internal/hub"
	"github.com/ZanzyTHEbar/modelforge/internal/logger"
)

const timeRound = 10 * time.Millisecond

func exportCmd() *cli.Command {
	var (
		runVerify    bool
		verifyPrompt string
	)

	flags := commonExportFlags()
	flags = append(flags,
		&cli.StringFlag{
			Name:        "device",
			Usage:       "target device (auto, cpu, cuda)",
			Value:       "auto",
			Destination: &device,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "tensor precision (keep, f16, bf16)",
			Value:       "f16",
			Destination: &precision,
		},
		&cli.BoolFlag{
			Name:        "verify",
			Usage:       "run a short generation against the exported bundle",
			Value:       true,
			Destination: &runVerify,
		},
		&cli.StringFlag{
			Name:        "verify-prompt",
			Usage:       "prompt for the verification generation",
			Destination: &verifyPrompt,
		},
	)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "export",
		Usage: "Download a checkpoint and convert it to an MBF bundle",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg := LoadConfig()
			applyExportConfig(c, cfg, &runVerify)

			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			dest := resolveOutputDir(outputDir, modelID)

			client := hub.NewClient(hfToken, log)
			if hubURL != "" {
				client.BaseURL = hubURL
			}

			report, err := export.New(client, log).Run(ctx, export.Options{
				ModelID:      modelID,
				OutputDir:    dest,
				Revision:     revision,
				Device:       device,
				Precision:    precision,
				Verify:       runVerify,
				VerifyPrompt: verifyPrompt,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: export: %v", err), 1)
			}

			printReport(report)
			return nil
		},
	}
}

func printReport(r *export.Report) {
	fmt.Printf("Exported %s (%s) in %s\n", r.ModelID, r.Revision, r.Elapsed.Round(timeRound))
	fmt.Printf("  tensors:    %d (%s precision)\n", r.TensorCount, r.Precision)
	fmt.Printf("  downloaded: %s\n", formatBytes(uint64(r.DownloadBytes)))
	fmt.Printf("  artifacts:  %s in %s\n", formatBytes(uint64(r.ArtifactBytes)), r.OutputDir)
	if r.PadTokenAdded {
		fmt.Printf("  pad token:  %q (copied from eos)\n", r.PadToken)
	}
	if r.Verification != nil {
		if r.Verification.OK {
			fmt.Printf("  verified:   %d tokens in %s\n",
				r.Verification.TokenCount, r.Verification.Elapsed.Round(timeRound))
		} else {
			fmt.Printf("  verified:   FAILED (%v)\n", r.Verification.Err)
		}
	}
	fmt.Println()
	fmt.Print(r.UsageInstructions())
}
