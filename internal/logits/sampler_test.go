package logits

import "testing"

func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(Config{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(append([]float32(nil), logs...), nil)
		b := s2.Sample(append([]float32(nil), logs...), nil)
		if a != b {
			t.Fatalf("step %d: expected deterministic sample, got %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(Config{Seed: 99, Temperature: 0})
	if idx := s.Sample(logs, nil); idx != 3 {
		t.Fatalf("expected greedy index 3, got %d", idx)
	}
}

func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	// The first candidate dominates after softmax, so a 0.5 nucleus admits
	// only index 0.
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(Config{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(append([]float32(nil), logs...), nil); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

func TestSamplerMinP(t *testing.T) {
	t.Parallel()
	// With min_p 0.5 every candidate below half the best probability is
	// dropped; indices 2..4 can never be drawn.
	logs := []float32{5, 4.9, 0, 0, 0}
	s := NewSampler(Config{Seed: 3, Temperature: 1, TopK: 5, MinP: 0.5})
	for i := 0; i < 50; i++ {
		idx := s.Sample(append([]float32(nil), logs...), nil)
		if idx > 1 {
			t.Fatalf("min-p admitted improbable index %d", idx)
		}
	}
}

func TestRepeatPenaltyDemotesRecentTokens(t *testing.T) {
	t.Parallel()
	logs := []float32{2, 1.9}
	s := NewSampler(Config{Seed: 1, Temperature: 0, RepeatPenalty: 2})
	// Token 0 was just emitted; the penalty halves its logit so token 1 wins.
	if idx := s.Sample(logs, []int{0}); idx != 1 {
		t.Fatalf("expected penalised sample 1, got %d", idx)
	}
}

func TestRepeatPenaltyWindow(t *testing.T) {
	t.Parallel()
	logs := []float32{2, 1.9}
	s := NewSampler(Config{Seed: 1, Temperature: 0, RepeatPenalty: 2, RepeatLastN: 1})
	// Token 0 fell out of the 1-token window, so it keeps its lead.
	if idx := s.Sample(logs, []int{0, 1}); idx != 0 {
		t.Fatalf("expected unpenalised sample 0, got %d", idx)
	}
}

func TestSamplerNegativeLogitPenalty(t *testing.T) {
	t.Parallel()
	logs := []float32{-0.5, -0.6}
	s := NewSampler(Config{Seed: 1, Temperature: 0, RepeatPenalty: 2})
	// Negative logits are multiplied by the penalty, pushing token 0 below
	// token 1.
	if idx := s.Sample(logs, []int{0}); idx != 1 {
		t.Fatalf("expected penalised sample 1, got %d", idx)
	}
}
