// Package export orchestrates the model export workflow: download a
// checkpoint from the hub, persist its tokenizer assets, convert the weights
// into a single MBF bundle, optionally verify the result, and report the
// artifact footprint.
package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/modelforge/internal/backend"
	"github.com/ZanzyTHEbar/modelforge/internal/hub"
	"github.com/ZanzyTHEbar/modelforge/internal/logger"
	"github.com/ZanzyTHEbar/modelforge/internal/tokenizer"
	"github.com/ZanzyTHEbar/modelforge/internal/verify"
	"github.com/ZanzyTHEbar/modelforge/pkg/mbf"
)

// BundleFileName is the converted model artifact inside the output directory.
const BundleFileName = "model.mbf"

const stagingDirName = ".staging"

// Options configures one export run.
type Options struct {
	ModelID   string
	OutputDir string
	Revision  string
	Device    string
	Precision string

	Verify bool
	// VerifyPrompt overrides the default smoke-test prompt.
	VerifyPrompt string
}

// Report summarises a completed export.
type Report struct {
	ModelID    string
	Revision   string
	OutputDir  string
	BundlePath string

	Device    string
	Precision mbf.Precision

	DownloadBytes int64
	ArtifactBytes int64
	TensorCount   int

	PadToken      string
	PadTokenAdded bool

	// Verification is nil when verification was disabled. A failed
	// verification does not fail the export; inspect Verification.OK.
	Verification *verify.Result

	Elapsed time.Duration
}

// UsageInstructions returns the guidance printed after a successful export,
// with the sampling parameters the downstream generator should use.
func (r *Report) UsageInstructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model exported to %s\n\n", r.OutputDir)
	fmt.Fprintf(&b, "Load the bundle from:\n  %s\n\n", r.BundlePath)
	b.WriteString("Suggested generation parameters:\n")
	b.WriteString("  temperature:        0.3\n")
	b.WriteString("  min_p:              0.15\n")
	b.WriteString("  repetition_penalty: 1.05\n")
	b.WriteString("  max_new_tokens:     512\n")
	return b.String()
}

// Exporter runs export workflows. Construct with New.
type Exporter struct {
	log logger.Logger
	hub *hub.Client

	// verifyFn is swapped out in tests.
	verifyFn func(context.Context, verify.Options) verify.Result
}

// New returns an Exporter using the given hub client and logger.
func New(client *hub.Client, log logger.Logger) *Exporter {
	if log == nil {
		log = logger.Default()
	}
	return &Exporter{
		log:      log,
		hub:      client,
		verifyFn: verify.Run,
	}
}

// Run executes the export workflow. Acquisition and conversion errors abort
// the run; a verification failure is carried in the report instead.
func (e *Exporter) Run(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()

	if opts.ModelID == "" {
		return nil, errors.New("export: model id is required")
	}
	if opts.OutputDir == "" {
		return nil, errors.New("export: output directory is required")
	}
	if opts.Revision == "" {
		opts.Revision = "main"
	}

	device, err := backend.Resolve(opts.Device)
	if err != nil {
		return nil, err
	}
	precision, err := mbf.ParsePrecision(opts.Precision)
	if err != nil {
		return nil, err
	}

	report := &Report{
		ModelID:   opts.ModelID,
		Revision:  opts.Revision,
		OutputDir: opts.OutputDir,
		Device:    device,
		Precision: precision,
	}

	e.log.Info("starting export",
		"model", opts.ModelID,
		"revision", opts.Revision,
		"output", opts.OutputDir,
		"device", device,
		"precision", precision.String(),
	)

	mi, err := e.hub.Model(ctx, opts.ModelID, opts.Revision)
	if err != nil {
		e.log.Error("failed to resolve model repository", "model", opts.ModelID, "error", err)
		return nil, err
	}
	if mi.IsGated() {
		e.log.Warn("repository is gated; the download will fail without an accepted license and token", "model", opts.ModelID)
	}

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}

	// Tokenizer assets are persisted before the model so a failed conversion
	// still leaves a usable tokenizer behind.
	if err := e.fetchTokenizer(ctx, mi, opts, report); err != nil {
		e.log.Error("tokenizer acquisition failed", "error", err)
		return nil, err
	}

	if err := e.fetchAndConvert(ctx, mi, opts, precision, report); err != nil {
		e.log.Error("model conversion failed", "error", err)
		return nil, err
	}

	if opts.Verify {
		res := e.verifyFn(ctx, verify.Options{
			BundlePath: report.BundlePath,
			AssetDir:   opts.OutputDir,
			Prompt:     opts.VerifyPrompt,
		})
		report.Verification = &res
		if res.OK {
			e.log.Info("verification generation succeeded",
				"tokens", res.TokenCount,
				"elapsed", res.Elapsed,
				"output", res.Output,
			)
		} else {
			e.log.Warn("verification failed; the exported bundle may still be usable", "error", res.Err)
		}
	}

	size, err := DirSize(opts.OutputDir)
	if err != nil {
		return nil, err
	}
	report.ArtifactBytes = size
	report.Elapsed = time.Since(start)

	e.log.Info("export complete",
		"model", opts.ModelID,
		"artifact_bytes", report.ArtifactBytes,
		"tensors", report.TensorCount,
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func (e *Exporter) fetchTokenizer(ctx context.Context, mi *hub.ModelInfo, opts Options, report *Report) error {
	for _, name := range tokenizer.RequiredAssets() {
		if !mi.HasFile(name) {
			return fmt.Errorf("export: repository %s has no %s", opts.ModelID, name)
		}
		n, err := e.hub.DownloadFile(ctx, opts.ModelID, opts.Revision, name, filepath.Join(opts.OutputDir, name))
		if err != nil {
			return err
		}
		report.DownloadBytes += n
	}
	for _, name := range tokenizer.OptionalAssets() {
		if !mi.HasFile(name) {
			continue
		}
		n, err := e.hub.DownloadFile(ctx, opts.ModelID, opts.Revision, name, filepath.Join(opts.OutputDir, name))
		if err != nil {
			return err
		}
		report.DownloadBytes += n
	}

	pad, added, err := tokenizer.EnsurePadToken(opts.OutputDir)
	if err != nil {
		return err
	}
	report.PadToken = pad
	report.PadTokenAdded = added
	if added {
		e.log.Info("tokenizer had no pad token; using eos token", "pad_token", pad)
	}
	return nil
}

func (e *Exporter) fetchAndConvert(ctx context.Context, mi *hub.ModelInfo, opts Options, precision mbf.Precision, report *Report) error {
	weights := weightFiles(mi)
	if len(weights) == 0 {
		return fmt.Errorf("export: repository %s has no safetensors weights", opts.ModelID)
	}

	staging := filepath.Join(opts.OutputDir, stagingDirName)
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(staging) }()

	toFetch := weights
	for _, name := range []string{"config.json", "generation_config.json"} {
		if mi.HasFile(name) {
			toFetch = append(toFetch, name)
		}
	}
	n, err := e.hub.DownloadFiles(ctx, opts.ModelID, opts.Revision, toFetch, staging)
	if err != nil {
		return err
	}
	report.DownloadBytes += n

	bundlePath := filepath.Join(opts.OutputDir, BundleFileName)
	res, err := mbf.Convert(staging, bundlePath, mbf.ConvertOptions{
		ModelID:   opts.ModelID,
		Precision: precision,
		Progress: func(name string, index, total int) {
			e.log.Debug("converting tensor", "name", name, "index", index+1, "total", total)
		},
	})
	if err != nil {
		return err
	}
	report.BundlePath = bundlePath
	report.TensorCount = res.TensorCount

	// Keep the raw configs next to the bundle for downstream loaders that
	// want them as files.
	for _, name := range []string{"config.json", "generation_config.json"} {
		src := filepath.Join(staging, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(opts.OutputDir, name)); err != nil {
			return err
		}
	}
	return nil
}

// weightFiles returns all checkpoint files to download: every safetensors
// shard plus the shard index when the model is split.
func weightFiles(mi *hub.ModelInfo) []string {
	var out []string
	for _, name := range mi.FileNames() {
		if strings.HasSuffix(name, ".safetensors") && !strings.Contains(name, "/") {
			out = append(out, name)
		}
	}
	if len(out) > 0 && mi.HasFile(safetensorsIndexFile) {
		out = append(out, safetensorsIndexFile)
	}
	return out
}

const safetensorsIndexFile = "model.safetensors.index.json"

// DirSize sums the sizes of all regular files under dir recursively.
func DirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
