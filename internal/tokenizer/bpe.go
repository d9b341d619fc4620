package tokenizer

import (
	"sort"
	"strings"
)

// pair is a pair of adjacent BPE symbols.
type pair struct {
	a string
	b string
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

func adjacentPairs(word []string) map[pair]struct{} {
	pairs := make(map[pair]struct{})
	if len(word) < 2 {
		return pairs
	}
	prev := word[0]
	for _, w := range word[1:] {
		pairs[pair{a: prev, b: w}] = struct{}{}
		prev = w
	}
	return pairs
}

func mergePair(word []string, p pair) []string {
	out := make([]string, 0, len(word))
	for i := 0; i < len(word); i++ {
		if i < len(word)-1 && word[i] == p.a && word[i+1] == p.b {
			out = append(out, word[i]+word[i+1])
			i++
			continue
		}
		out = append(out, word[i])
	}
	return out
}

func collectSpecials(tokens []string) []string {
	out := make([]string, 0, 32)
	for _, t := range tokens {
		if isSpecialToken(t) {
			out = append(out, t)
		}
	}
	// Longest match first so nested markers resolve correctly.
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func isSpecialToken(s string) bool {
	if len(s) < 4 {
		return false
	}
	return strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 || !strings.Contains(text, "<|") {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if i+len(sp) <= len(text) && text[i:i+len(sp)] == sp {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// bytesToUnicode builds the GPT2 byte to printable-rune tables that make
// byte-level BPE reversible.
func bytesToUnicode() (map[byte]string, map[string]byte) {
	var bs []int
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	cs := make([]int, len(bs))
	copy(cs, bs)
	seen := make(map[int]bool, len(bs))
	for _, v := range bs {
		seen[v] = true
	}
	n := 0
	for b := 0; b < 256; b++ {
		if !seen[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]string, len(bs))
	byteDecoder := make(map[string]byte, len(bs))
	for i := range bs {
		s := string(rune(cs[i]))
		byteEncoder[byte(bs[i])] = s
		byteDecoder[s] = byte(bs[i])
	}
	return byteEncoder, byteDecoder
}
