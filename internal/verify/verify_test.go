package verify

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/ZanzyTHEbar/modelforge/pkg/mbf"
)

const fixtureTokenizerJSON = `{
	"model": {
		"type": "BPE",
		"vocab": {
			"h": 0, "e": 1, "l": 2, "o": 3, "w": 4, "r": 5, "d": 6, "Ġ": 7,
			"he": 8, "ll": 9, "hell": 10, "hello": 11,
			"Ġw": 12, "or": 13, "orld": 14, "Ġworld": 15
		},
		"merges": [
			"h e", "l l", "he ll", "hell o",
			"Ġ w", "o r", "or ld", "Ġw orld", "l d"
		]
	},
	"added_tokens": [
		{"id": 16, "content": "<|endoftext|>", "special": true}
	]
}`

const fixtureVocab = 17
const fixtureHidden = 4

// buildFixture writes tokenizer assets and a converted bundle whose only
// tensor is a random embedding matrix.
func buildFixture(t *testing.T) (bundlePath, assetDir string) {
	t.Helper()
	assetDir = t.TempDir()

	writeAsset := func(name, content string) {
		if err := os.WriteFile(filepath.Join(assetDir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	writeAsset("tokenizer.json", fixtureTokenizerJSON)
	writeAsset("tokenizer_config.json", `{"eos_token":"<|endoftext|>"}`)
	writeAsset("config.json", `{"model_type":"lfm2","vocab_size":17,"hidden_size":4}`)

	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, fixtureVocab*fixtureHidden*4)
	for i := 0; i < fixtureVocab*fixtureHidden; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(rng.Float32()-0.5))
	}

	header := map[string]any{
		"model.embed_tokens.weight": map[string]any{
			"dtype":        "F32",
			"shape":        []int64{fixtureVocab, fixtureHidden},
			"data_offsets": []int64{0, int64(len(payload))},
		},
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	stPath := filepath.Join(assetDir, "model.safetensors")
	f, err := os.Create(stPath)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	for _, b := range [][]byte{lenBuf[:], headerBytes, payload} {
		if _, err := f.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = f.Close()

	bundlePath = filepath.Join(assetDir, "model.mbf")
	if _, err := mbf.Convert(assetDir, bundlePath, mbf.ConvertOptions{Precision: mbf.PrecisionKeep}); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	return bundlePath, assetDir
}

func TestRunGeneratesTokens(t *testing.T) {
	t.Parallel()
	bundle, assets := buildFixture(t)

	res := Run(context.Background(), Options{
		BundlePath: bundle,
		AssetDir:   assets,
		Prompt:     "hello world",
	})
	if !res.OK {
		t.Fatalf("expected success, got error: %v", res.Err)
	}
	if res.TokenCount == 0 {
		t.Fatal("expected generated tokens")
	}
	if res.Elapsed <= 0 {
		t.Fatal("expected non-zero elapsed time")
	}
}

func TestRunIsDeterministic(t *testing.T) {
	t.Parallel()
	bundle, assets := buildFixture(t)
	opts := Options{BundlePath: bundle, AssetDir: assets, Prompt: "hello", Seed: 99}

	a := Run(context.Background(), opts)
	b := Run(context.Background(), opts)
	if !a.OK || !b.OK {
		t.Fatalf("runs failed: %v / %v", a.Err, b.Err)
	}
	if a.Output != b.Output || a.TokenCount != b.TokenCount {
		t.Fatalf("expected identical runs, got %q vs %q", a.Output, b.Output)
	}
}

func TestRunMissingBundle(t *testing.T) {
	t.Parallel()
	res := Run(context.Background(), Options{
		BundlePath: filepath.Join(t.TempDir(), "missing.mbf"),
		AssetDir:   t.TempDir(),
	})
	if res.OK || res.Err == nil {
		t.Fatal("expected failure for missing bundle")
	}
}

func TestRunMissingTokenizer(t *testing.T) {
	t.Parallel()
	bundle, _ := buildFixture(t)

	res := Run(context.Background(), Options{
		BundlePath: bundle,
		AssetDir:   t.TempDir(),
	})
	if res.OK || res.Err == nil {
		t.Fatal("expected failure for missing tokenizer assets")
	}
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()
	bundle, assets := buildFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, Options{BundlePath: bundle, AssetDir: assets})
	if res.OK {
		t.Fatal("expected failure for cancelled context")
	}
}
