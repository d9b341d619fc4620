// Package logits implements token sampling over a logits vector.
package logits

import (
	"math"
	"math/rand"
)

// Config controls the sampling distribution. Zero values fall back to the
// defaults applied in NewSampler.
type Config struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws token ids from logits vectors. It is deterministic for a
// given seed and input sequence. Not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    Config
	greedy bool

	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler with the provided configuration.
// Temperature <= 0 selects greedy decoding.
func NewSampler(cfg Config) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one token id from logits. recent holds previously generated
// ids for the repetition penalty window. The logits slice is modified in
// place when a penalty applies.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	s.applyRepeatPenalty(logits, recent)

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits)
	}

	invTemp := 1 / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))
	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	prob := s.softmax(topVal)

	// Min-p discards candidates whose probability falls below a fraction of
	// the best candidate's, then renormalises.
	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		keep := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[keep] = prob[i]
				topIdx[keep] = topIdx[i]
				kept += prob[i]
				keep++
			}
		}
		prob = prob[:keep]
		if kept > 0 {
			scale := 1 / kept
			for i := range prob {
				prob[i] *= scale
			}
		}
	}

	// Top-p truncates once the cumulative probability crosses the nucleus.
	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

func (s *Sampler) applyRepeatPenalty(logits []float32, recent []int) {
	if s.cfg.RepeatPenalty <= 1 || len(recent) == 0 {
		return
	}
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	penalised := make(map[int]struct{}, len(recent)-start)
	for _, id := range recent[start:] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, done := penalised[id]; done {
			continue
		}
		penalised[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepeatPenalty
		} else {
			logits[id] *= s.cfg.RepeatPenalty
		}
	}
}

// softmax computes probabilities over vals, which arrive sorted descending.
// The result aliases the sampler's scratch buffer.
func (s *Sampler) softmax(vals []float32) []float64 {
	if cap(s.prob) < len(vals) {
		s.prob = make([]float64, len(vals))
	}
	prob := s.prob[:len(vals)]

	maxv := vals[0]
	var sum float64
	for i, v := range vals {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		for i := range prob {
			prob[i] = 0
		}
		prob[0] = 1
		return prob
	}
	inv := 1 / sum
	for i := range prob {
		prob[i] *= inv
	}
	return prob
}

func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest logits scaled by
// invTemp, ordered descending. Insertion into a short sorted list keeps this
// O(V*k), fine for the small k used here.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
