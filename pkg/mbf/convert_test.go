package mbf

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
)

type fixtureTensor struct {
	dtype string
	shape []int64
	data  []byte
}

// writeFixtureCheckpoint writes a single-file safetensors checkpoint plus a
// config.json into dir.
func writeFixtureCheckpoint(t *testing.T, dir string, tensors map[string]fixtureTensor) {
	t.Helper()

	type entry struct {
		DType       string  `json:"dtype"`
		Shape       []int64 `json:"shape"`
		DataOffsets []int64 `json:"data_offsets"`
	}
	header := make(map[string]entry, len(tensors))
	var payload []byte
	// map iteration order does not matter; offsets are explicit.
	for name, ft := range tensors {
		start := int64(len(payload))
		payload = append(payload, ft.data...)
		header[name] = entry{DType: ft.dtype, Shape: ft.shape, DataOffsets: []int64{start, int64(len(payload))}}
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	f, err := os.Create(filepath.Join(dir, "model.safetensors"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	for _, b := range [][]byte{lenBuf[:], headerBytes, payload} {
		if _, err := f.Write(b); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	config := []byte(`{"model_type":"lfm2","vocab_size":100,"hidden_size":16,"num_hidden_layers":2}`)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), config, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func f32Payload(values ...float32) []byte {
	out := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func TestConvertF16(t *testing.T) {
	t.Parallel()
	src := t.TempDir()

	values := []float32{1, -2, 0.5, 4}
	writeFixtureCheckpoint(t, src, map[string]fixtureTensor{
		"model.embed.weight": {dtype: "F32", shape: []int64{2, 2}, data: f32Payload(values...)},
		"model.norm.weight":  {dtype: "F32", shape: []int64{4}, data: f32Payload(1, 1, 1, 1)},
	})

	outPath := filepath.Join(t.TempDir(), "model.mbf")
	res, err := Convert(src, outPath, ConvertOptions{
		ModelID:   "LiquidAI/LFM2-350M",
		Precision: PrecisionF16,
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if res.TensorCount != 2 {
		t.Fatalf("expected 2 tensors, got %d", res.TensorCount)
	}
	// Both tensors halve in size under f16.
	if res.TensorBytes != 8+8 {
		t.Fatalf("expected 16 tensor bytes, got %d", res.TensorBytes)
	}

	f, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("alignment flag not set")
	}

	info, err := ParseModelInfo(f.SectionData(SectionModelInfo))
	if err != nil {
		t.Fatalf("parse model info: %v", err)
	}
	if info.ModelID != "LiquidAI/LFM2-350M" || info.ModelName != "LFM2-350M" {
		t.Fatalf("unexpected identity: %+v", info)
	}
	if info.Arch != "lfm2" || info.VocabSize != 100 || info.LayerCount != 2 {
		t.Fatalf("config fields not propagated: %+v", info)
	}
	if info.Precision != "f16" || info.TensorCount != 2 {
		t.Fatalf("unexpected precision/count: %+v", info)
	}

	idx, err := ParseTensorIndexSection(f.SectionData(SectionTensorIndex))
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}

	for _, name := range idx.Names() {
		rec, _ := idx.Find(name)
		if rec.DType != DTypeF16 {
			t.Fatalf("tensor %q: expected f16, got %s", name, rec.DType)
		}
		if rec.DataOff%tensorAlign != 0 {
			t.Fatalf("tensor %q: offset %d not %d-aligned", name, rec.DataOff, tensorAlign)
		}
	}

	raw, rec, err := idx.TensorData(f, "model.embed.weight")
	if err != nil {
		t.Fatalf("TensorData: %v", err)
	}
	if rec.Elements() != 4 {
		t.Fatalf("expected 4 elements, got %d", rec.Elements())
	}
	got, err := DecodeF32(rec.DType, raw)
	if err != nil {
		t.Fatalf("DecodeF32: %v", err)
	}
	for i, want := range values {
		// These values are exactly representable in binary16.
		if got[i] != want {
			t.Fatalf("element %d: expected %f, got %f", i, want, got[i])
		}
	}
}

func TestConvertKeepPreservesPayload(t *testing.T) {
	t.Parallel()
	src := t.TempDir()

	data := f32Payload(3.14159, -0.001, 123456)
	writeFixtureCheckpoint(t, src, map[string]fixtureTensor{
		"w": {dtype: "F32", shape: []int64{3}, data: data},
	})

	outPath := filepath.Join(t.TempDir(), "model.mbf")
	if _, err := Convert(src, outPath, ConvertOptions{Precision: PrecisionKeep}); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	f, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	idx, err := ParseTensorIndexSection(f.SectionData(SectionTensorIndex))
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}
	raw, rec, err := idx.TensorData(f, "w")
	if err != nil {
		t.Fatalf("TensorData: %v", err)
	}
	if rec.DType != DTypeF32 {
		t.Fatalf("expected f32 under keep, got %s", rec.DType)
	}
	if len(raw) != len(data) {
		t.Fatalf("payload size changed: %d != %d", len(raw), len(data))
	}
	for i := range data {
		if raw[i] != data[i] {
			t.Fatalf("payload byte %d changed", i)
		}
	}
}

func TestConvertLeavesIntegerTensorsAlone(t *testing.T) {
	t.Parallel()
	src := t.TempDir()

	ints := make([]byte, 16)
	for i := range ints {
		ints[i] = byte(i)
	}
	writeFixtureCheckpoint(t, src, map[string]fixtureTensor{
		"float": {dtype: "F32", shape: []int64{2}, data: f32Payload(1, 2)},
		"ids":   {dtype: "I64", shape: []int64{2}, data: ints},
	})

	outPath := filepath.Join(t.TempDir(), "model.mbf")
	if _, err := Convert(src, outPath, ConvertOptions{Precision: PrecisionBF16}); err != nil {
		t.Fatalf("Convert: %v", err)
	}

	f, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	idx, err := ParseTensorIndexSection(f.SectionData(SectionTensorIndex))
	if err != nil {
		t.Fatalf("parse index: %v", err)
	}
	if rec, _ := idx.Find("float"); rec.DType != DTypeBF16 {
		t.Fatalf("float tensor not cast: %s", rec.DType)
	}
	rec, _ := idx.Find("ids")
	if rec.DType != DTypeI64 || rec.DataSize != 16 {
		t.Fatalf("integer tensor altered: %+v", rec)
	}
}

func TestConvertMissingSource(t *testing.T) {
	t.Parallel()
	out := filepath.Join(t.TempDir(), "model.mbf")
	if _, err := Convert(filepath.Join(t.TempDir(), "nope"), out, ConvertOptions{}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestParsePrecision(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Precision
		wantErr bool
	}{
		{"keep", PrecisionKeep, false},
		{"", PrecisionKeep, false},
		{"f16", PrecisionF16, false},
		{"FP16", PrecisionF16, false},
		{"bf16", PrecisionBF16, false},
		{"bfloat16", PrecisionBF16, false},
		{"int4", "", true},
	}
	for _, tc := range cases {
		got, err := ParsePrecision(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParsePrecision(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParsePrecision(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestFloatConversions(t *testing.T) {
	t.Parallel()

	values := []float32{0, 1, -1, 0.5, 2, 65504, float32(math.Inf(1))}
	for _, v := range values {
		back := f16ToF32(f16FromF32(v))
		if math.IsInf(float64(v), 0) {
			if !math.IsInf(float64(back), 1) {
				t.Errorf("f16 round trip of +inf gave %f", back)
			}
			continue
		}
		if back != v {
			t.Errorf("f16 round trip of %f gave %f", v, back)
		}
	}

	for _, v := range []float32{0, 1, -1, 2, 256} {
		back := bf16ToF32(bf16FromF32Bits(math.Float32bits(v)))
		if back != v {
			t.Errorf("bf16 round trip of %f gave %f", v, back)
		}
	}

	if f16FromF32(1e9) != 0x7C00 {
		t.Error("expected overflow to +inf in f16")
	}
}
