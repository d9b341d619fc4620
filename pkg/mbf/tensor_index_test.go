package mbf

import (
	"testing"
)

func sampleRecords() []TensorRecord {
	return []TensorRecord{
		{Name: "model.embed_tokens.weight", DType: DTypeBF16, Shape: []uint64{100, 16}, DataOff: 64, DataSize: 3200},
		{Name: "model.layers.0.mlp.weight", DType: DTypeF16, Shape: []uint64{16, 64}, DataOff: 3264, DataSize: 2048},
		{Name: "model.norm.weight", DType: DTypeF32, Shape: []uint64{16}, DataOff: 5376, DataSize: 64},
	}
}

func TestTensorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	recs := sampleRecords()
	payload, err := EncodeTensorIndexSection(recs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	idx, err := ParseTensorIndexSection(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if idx.Count() != len(recs) {
		t.Fatalf("expected %d records, got %d", len(recs), idx.Count())
	}

	for _, want := range recs {
		got, ok := idx.Find(want.Name)
		if !ok {
			t.Fatalf("tensor %q missing", want.Name)
		}
		if got.DType != want.DType || got.DataOff != want.DataOff || got.DataSize != want.DataSize {
			t.Fatalf("tensor %q: got %+v want %+v", want.Name, got, want)
		}
		if len(got.Shape) != len(want.Shape) {
			t.Fatalf("tensor %q: shape rank mismatch", want.Name)
		}
		for d := range want.Shape {
			if got.Shape[d] != want.Shape[d] {
				t.Fatalf("tensor %q: dim %d mismatch", want.Name, d)
			}
		}
	}

	names := idx.Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted: %v", names)
		}
	}
}

func TestTensorIndexElements(t *testing.T) {
	t.Parallel()
	r := TensorRecord{Shape: []uint64{2, 3, 4}}
	if n := r.Elements(); n != 24 {
		t.Fatalf("expected 24 elements, got %d", n)
	}
}

func TestEncodeTensorIndexValidation(t *testing.T) {
	t.Parallel()

	if _, err := EncodeTensorIndexSection(nil); err == nil {
		t.Fatal("expected error for empty record set")
	}
	if _, err := EncodeTensorIndexSection([]TensorRecord{{Name: ""}}); err == nil {
		t.Fatal("expected error for empty tensor name")
	}
	tooDeep := TensorRecord{Name: "x", Shape: make([]uint64, maxTensorRank+1)}
	if _, err := EncodeTensorIndexSection([]TensorRecord{tooDeep}); err == nil {
		t.Fatal("expected error for excessive rank")
	}
}

func TestParseTensorIndexRejectsCorruption(t *testing.T) {
	t.Parallel()

	payload, err := EncodeTensorIndexSection(sampleRecords())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"short_header", func(b []byte) []byte { return b[:8] }},
		{"bad_version", func(b []byte) []byte { b[0] = 0xFF; return b }},
		{"truncated_record", func(b []byte) []byte { return b[:len(b)-4] }},
		{"trailing_bytes", func(b []byte) []byte { return append(b, 0) }},
	}
	for _, tc := range cases {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		if _, err := ParseTensorIndexSection(tc.mutate(buf)); err == nil {
			t.Fatalf("%s: expected parse error", tc.name)
		}
	}
}

func TestParseTensorIndexRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	// Encode sorts and would not produce duplicates, so splice two identical
	// single-record payload bodies together by hand.
	one, err := EncodeTensorIndexSection([]TensorRecord{
		{Name: "w", DType: DTypeF32, Shape: []uint64{1}, DataOff: 64, DataSize: 4},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	body := one[tensorIndexHdrSize:]
	dup := make([]byte, 0, tensorIndexHdrSize+2*len(body))
	dup = append(dup, one[:tensorIndexHdrSize]...)
	dup[8] = 2 // count
	dup = append(dup, body...)
	dup = append(dup, body...)

	if _, err := ParseTensorIndexSection(dup); err == nil {
		t.Fatal("expected duplicate name error")
	}
}
