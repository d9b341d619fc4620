package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// RequiredAssets are the tokenizer files an exported model cannot function
// without.
func RequiredAssets() []string {
	return []string{"tokenizer.json", "tokenizer_config.json"}
}

// OptionalAssets are tokenizer files persisted when the upstream repository
// provides them.
func OptionalAssets() []string {
	return []string{
		"special_tokens_map.json",
		"chat_template.jinja",
		"vocab.json",
		"merges.txt",
	}
}

// EnsurePadToken guarantees tokenizer_config.json in dir declares a
// pad_token. Checkpoints trained without padding ship pad_token null or
// absent; batched inference then needs one, so the eos_token value is copied
// in its place. Returns the effective pad token content and whether the file
// was rewritten.
func EnsurePadToken(dir string) (string, bool, error) {
	path := filepath.Join(dir, "tokenizer_config.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}

	var cfg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return "", false, fmt.Errorf("parse tokenizer_config.json: %w", err)
	}

	if pad, ok := TokenContent(cfg["pad_token"]); ok {
		return pad, false, nil
	}

	eosRaw, ok := cfg["eos_token"]
	eos, hasEOS := TokenContent(eosRaw)
	if !ok || !hasEOS {
		return "", false, fmt.Errorf("tokenizer_config.json declares neither pad_token nor eos_token")
	}

	cfg["pad_token"] = eosRaw
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", false, err
	}

	// Rewrite atomically so a crash cannot leave a half-written config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return "", false, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", false, err
	}
	return eos, true, nil
}
