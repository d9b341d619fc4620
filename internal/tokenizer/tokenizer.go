// Package tokenizer loads Hugging Face byte-level BPE tokenizers from their
// tokenizer.json representation and manages the tokenizer asset files that
// accompany an exported model.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// Tokenizer is a byte-level BPE tokenizer.
type Tokenizer struct {
	encoder      map[string]int
	decoder      []string
	bpeRanks     map[pair]int
	cache        map[string][]string
	byteEncoder  map[byte]string
	byteDecoder  map[string]byte
	pattern      *regexp.Regexp
	addBOS       bool
	addEOS       bool
	bosID        int
	eosID        int
	padID        int
	unkID        int
	ignoreMerges bool
	specials     []string
}

type tokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer struct {
		Type          string `json:"type"`
		Pretokenizers []struct {
			Type    string `json:"type"`
			Pattern struct {
				Regex string `json:"Regex"`
			} `json:"pattern"`
		} `json:"pretokenizers"`
	} `json:"pre_tokenizer"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

type tokenizerConfigJSON struct {
	AddBOS bool            `json:"add_bos_token"`
	AddEOS bool            `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
	Pad    json.RawMessage `json:"pad_token"`
}

// Load reads tokenizer.json and tokenizer_config.json from dir.
// tokenizer_config.json is optional.
func Load(dir string) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		cfg = nil
	}
	return LoadBytes(data, cfg)
}

// LoadBytes builds a tokenizer from raw tokenizer.json and optional
// tokenizer_config.json contents.
func LoadBytes(tokJSON, tokConfig []byte) (*Tokenizer, error) {
	var tj tokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}

	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	maxID := -1
	for tok, id := range tj.Model.Vocab {
		encoder[tok] = id
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range tj.AddedTokens {
		encoder[at.Content] = at.ID
		if at.ID > maxID {
			maxID = at.ID
		}
	}
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		decoder[id] = tok
	}
	for _, at := range tj.AddedTokens {
		decoder[at.ID] = at.Content
	}

	byteEncoder, byteDecoder := bytesToUnicode()

	tok := &Tokenizer{
		encoder:      encoder,
		decoder:      decoder,
		bpeRanks:     parseMerges(tj.Model.Merges),
		cache:        make(map[string][]string),
		byteEncoder:  byteEncoder,
		byteDecoder:  byteDecoder,
		pattern:      buildPattern(tj),
		bosID:        -1,
		eosID:        -1,
		padID:        -1,
		unkID:        -1,
		ignoreMerges: tj.Model.IgnoreMerges,
		specials:     collectSpecials(decoder),
	}

	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			tok.unkID = id
		}
	}

	if len(tokConfig) > 0 {
		var cfg tokenizerConfigJSON
		if err := json.Unmarshal(tokConfig, &cfg); err == nil {
			tok.addBOS = cfg.AddBOS
			tok.addEOS = cfg.AddEOS
			tok.bosID = tok.lookupToken(cfg.BOS)
			tok.eosID = tok.lookupToken(cfg.EOS)
			tok.padID = tok.lookupToken(cfg.Pad)
		}
	}
	return tok, nil
}

func (t *Tokenizer) lookupToken(raw json.RawMessage) int {
	content, ok := TokenContent(raw)
	if !ok {
		return -1
	}
	if id, found := t.encoder[content]; found {
		return id
	}
	return -1
}

// TokenContent extracts the token string from a tokenizer_config.json token
// field, which is either a plain string or an AddedToken object with a
// "content" field.
func TokenContent(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Content != "" {
		return obj.Content, true
	}
	return "", false
}

// Encode tokenizes text into vocabulary ids. Special tokens embedded in the
// text are matched verbatim before BPE runs.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	var ids []int
	if t.addBOS && t.bosID >= 0 {
		ids = append(ids, t.bosID)
	}
	for _, part := range splitSpecials(text, t.specials) {
		if part.isSpecial {
			id, ok := t.encoder[part.text]
			if !ok {
				return nil, fmt.Errorf("unknown special token: %q", part.text)
			}
			ids = append(ids, id)
			continue
		}
		for _, chunk := range t.pattern.FindAllString(part.text, -1) {
			for _, bpeTok := range t.bpe(t.byteEncode(chunk)) {
				id, ok := t.encoder[bpeTok]
				if !ok {
					if t.unkID >= 0 {
						ids = append(ids, t.unkID)
						continue
					}
					return nil, fmt.Errorf("unknown token: %q", bpeTok)
				}
				ids = append(ids, id)
			}
		}
	}
	if t.addEOS && t.eosID >= 0 {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

// Decode converts ids back into text. Special tokens are emitted verbatim.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		token := t.decoder[id]
		if isSpecialToken(token) {
			b = append(b, token...)
			continue
		}
		for _, r := range token {
			if by, ok := t.byteDecoder[string(r)]; ok {
				b = append(b, by)
			} else {
				b = append(b, string(r)...)
			}
		}
	}
	return string(b), nil
}

func (t *Tokenizer) BOSID() int     { return t.bosID }
func (t *Tokenizer) EOSID() int     { return t.eosID }
func (t *Tokenizer) PadID() int     { return t.padID }
func (t *Tokenizer) VocabSize() int { return len(t.decoder) }

func (t *Tokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *Tokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteString(t.byteEncoder[by])
	}
	return b.String()
}

func (t *Tokenizer) bpe(token string) []string {
	if v, ok := t.cache[token]; ok {
		return v
	}
	if t.ignoreMerges {
		if _, ok := t.encoder[token]; ok {
			out := []string{token}
			t.cache[token] = out
			return out
		}
	}
	word := splitRunes(token)
	pairs := adjacentPairs(word)
	for len(pairs) > 0 {
		bestRank := int(^uint(0) >> 1)
		var bestPair pair
		found := false
		for p := range pairs {
			if rank, ok := t.bpeRanks[p]; ok && rank < bestRank {
				bestRank = rank
				bestPair = p
				found = true
			}
		}
		if !found {
			break
		}
		word = mergePair(word, bestPair)
		if len(word) == 1 {
			break
		}
		pairs = adjacentPairs(word)
	}
	t.cache[token] = word
	return word
}

func parseMerges(merges []any) map[pair]int {
	ranks := make(map[pair]int, len(merges))
	rank := 0
	for _, raw := range merges {
		var line string
		switch v := raw.(type) {
		case string:
			line = v
		case []any:
			// Newer tokenizer.json files store merges as two-element arrays.
			if len(v) == 2 {
				a, aok := v[0].(string)
				b, bok := v[1].(string)
				if aok && bok {
					line = a + " " + b
				}
			}
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, " ")
		if len(parts) != 2 {
			continue
		}
		p := pair{a: parts[0], b: parts[1]}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

func buildPattern(tj tokenizerJSON) *regexp.Regexp {
	// GPT2-style default.
	pat := `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`
	if tj.PreTokenizer.Type == "Sequence" {
		for _, p := range tj.PreTokenizer.Pretokenizers {
			if p.Type == "Split" && p.Pattern.Regex != "" {
				pat = p.Pattern.Regex
				break
			}
		}
	}
	// LFM2 and Llama3 ship a regex with lookahead and inline case flags that
	// Go's RE2 cannot compile. Substitute the llama.cpp equivalent.
	if strings.Contains(pat, "(?!") || strings.Contains(pat, "(?i:") {
		pat = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`
	}
	return regexp.MustCompile(pat)
}
