// Package verify runs a bounded smoke generation against an exported bundle.
//
// The probe is deliberately small: it loads the converted tensor data and the
// persisted tokenizer, then generates a handful of tokens with a tied
// embedding head (logits are the dot product of the hidden state with every
// embedding row). That exercises the whole artifact surface a real runtime
// touches, bundle parsing, tensor decoding and tokenizer round-trips, without
// pulling a full transformer implementation into the export tool. A failure
// never aborts an export; callers report it and move on.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/modelforge/internal/logits"
	"github.com/ZanzyTHEbar/modelforge/internal/tokenizer"
	"github.com/ZanzyTHEbar/modelforge/pkg/mbf"
)

// Options configures a verification run. Zero fields take the defaults used
// for post-export checks.
type Options struct {
	BundlePath string
	AssetDir   string

	Prompt        string
	MaxNewTokens  int
	Temperature   float32
	MinP          float32
	RepeatPenalty float32
	Seed          int64
}

// Result reports the outcome of a verification run. Err is carried as data
// so the caller decides how loudly to fail.
type Result struct {
	OK         bool
	Prompt     string
	Output     string
	TokenCount int
	Elapsed    time.Duration
	Err        error
}

var embedCandidates = []string{
	"model.embed_tokens.weight",
	"embed_tokens.weight",
	"tok_embeddings.weight",
	"transformer.wte.weight",
}

// Run executes the probe. Errors are folded into the Result rather than
// returned.
func Run(ctx context.Context, opts Options) Result {
	start := time.Now()
	res := Result{Prompt: opts.Prompt}
	applyDefaults(&opts)
	res.Prompt = opts.Prompt

	err := run(ctx, opts, &res)
	res.Elapsed = time.Since(start)
	if err != nil {
		res.Err = err
		return res
	}
	res.OK = true
	return res
}

func applyDefaults(opts *Options) {
	if opts.Prompt == "" {
		opts.Prompt = "The quick brown fox"
	}
	if opts.MaxNewTokens <= 0 {
		opts.MaxNewTokens = 16
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.3
	}
	if opts.MinP == 0 {
		opts.MinP = 0.15
	}
	if opts.RepeatPenalty == 0 {
		opts.RepeatPenalty = 1.05
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
}

func run(ctx context.Context, opts Options, res *Result) error {
	f, err := mbf.Open(opts.BundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	idx, err := mbf.ParseTensorIndexSection(f.SectionData(mbf.SectionTensorIndex))
	if err != nil {
		return fmt.Errorf("parse tensor index: %w", err)
	}

	embed, rec, err := loadEmbeddings(f, idx)
	if err != nil {
		return err
	}
	vocab := int(rec.Shape[0])
	hidden := int(rec.Shape[1])

	tok, err := tokenizer.Load(opts.AssetDir)
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	ids, err := tok.Encode(opts.Prompt)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if len(ids) == 0 {
		return errors.New("prompt encoded to zero tokens")
	}
	for _, id := range ids {
		if id < 0 || id >= vocab {
			return fmt.Errorf("prompt token %d outside vocab %d", id, vocab)
		}
	}

	sampler := logits.NewSampler(logits.Config{
		Seed:          opts.Seed,
		Temperature:   opts.Temperature,
		MinP:          opts.MinP,
		RepeatPenalty: opts.RepeatPenalty,
	})

	scores := make([]float32, vocab)
	generated := make([]int, 0, opts.MaxNewTokens)
	last := ids[len(ids)-1]

	for step := 0; step < opts.MaxNewTokens; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		h := embed[last*hidden : (last+1)*hidden]
		for v := 0; v < vocab; v++ {
			row := embed[v*hidden : (v+1)*hidden]
			var dot float32
			for i := range h {
				dot += h[i] * row[i]
			}
			scores[v] = dot
		}

		next := sampler.Sample(scores, append(ids, generated...))
		generated = append(generated, next)
		last = next
		if tok.EOSID() >= 0 && next == tok.EOSID() {
			break
		}
	}

	text, err := tok.Decode(generated)
	if err != nil {
		return fmt.Errorf("decode output: %w", err)
	}
	res.Output = text
	res.TokenCount = len(generated)
	return nil
}

func loadEmbeddings(f *mbf.File, idx *mbf.TensorIndex) ([]float32, mbf.TensorRecord, error) {
	name := ""
	for _, cand := range embedCandidates {
		if _, ok := idx.Find(cand); ok {
			name = cand
			break
		}
	}
	if name == "" {
		for _, n := range idx.Names() {
			if strings.HasSuffix(n, "embed_tokens.weight") {
				name = n
				break
			}
		}
	}
	if name == "" {
		return nil, mbf.TensorRecord{}, errors.New("no embedding tensor found in bundle")
	}

	raw, rec, err := idx.TensorData(f, name)
	if err != nil {
		return nil, mbf.TensorRecord{}, err
	}
	if len(rec.Shape) != 2 || rec.Shape[0] == 0 || rec.Shape[1] == 0 {
		return nil, mbf.TensorRecord{}, fmt.Errorf("embedding tensor %q has shape %v", name, rec.Shape)
	}

	embed, err := mbf.DecodeF32(rec.DType, raw)
	if err != nil {
		return nil, mbf.TensorRecord{}, fmt.Errorf("decode embedding tensor: %w", err)
	}
	if uint64(len(embed)) != rec.Elements() {
		return nil, mbf.TensorRecord{}, errors.New("embedding element count mismatch")
	}
	return embed, rec, nil
}
