package mbf

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/modelforge/internal/safetensors"
)

// tensorAlign is the payload alignment inside SectionTensorData. 64 bytes
// keeps every tensor start cache-line and SIMD friendly when mmapped.
const tensorAlign = 64

const castChunkBytes = 1 << 20 // 1 MiB

// ConvertOptions controls a safetensors to MBF conversion.
type ConvertOptions struct {
	// ModelID is the upstream repository id, e.g. "LiquidAI/LFM2-350M".
	ModelID string
	// ModelName overrides the name stored in the model info section.
	// Defaults to the last path element of ModelID, then the source dir name.
	ModelName string
	// Precision selects the target dtype for float tensors.
	Precision Precision
	// Progress, when set, is called once per tensor before it is written.
	Progress func(name string, index, total int)
}

// ConvertResult summarises a finished conversion.
type ConvertResult struct {
	OutputPath  string
	TensorCount int
	TensorBytes uint64
	OutputBytes int64
	Precision   Precision
	Info        *ModelInfo
}

// Convert reads a safetensors checkpoint from srcDir and writes a single MBF
// file to outPath. config.json and generation_config.json are embedded as
// resource sections when present in srcDir. Tensors are streamed, never
// buffered whole, so sharded multi-GB checkpoints convert in constant memory.
func Convert(srcDir, outPath string, opts ConvertOptions) (*ConvertResult, error) {
	if srcDir == "" || outPath == "" {
		return nil, errors.New("mbf: source and output paths are required")
	}
	if opts.Precision == "" {
		opts.Precision = PrecisionKeep
	}

	model, err := safetensors.OpenModel(srcDir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint: %w", err)
	}
	defer func() { _ = model.Close() }()

	configJSON := readOptional(filepath.Join(srcDir, "config.json"))
	genConfigJSON := readOptional(filepath.Join(srcDir, "generation_config.json"))

	out, err := os.Create(outPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Close() }()

	w, err := NewWriter(out)
	if err != nil {
		return nil, err
	}

	if len(configJSON) > 0 {
		if err := w.WriteSection(SectionConfigJSON, 1, configJSON); err != nil {
			return nil, err
		}
	}
	if len(genConfigJSON) > 0 {
		if err := w.WriteSection(SectionGenerationConfigJSON, 1, genConfigJSON); err != nil {
			return nil, err
		}
	}

	records, tensorBytes, err := writeTensorData(w, model, opts)
	if err != nil {
		return nil, err
	}

	idxPayload, err := EncodeTensorIndexSection(records)
	if err != nil {
		return nil, err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, idxPayload); err != nil {
		return nil, err
	}

	info := ModelInfoFromHFConfig(configJSON, modelName(opts, srcDir))
	info.ModelID = opts.ModelID
	info.Precision = opts.Precision.String()
	info.TensorCount = uint32(len(records))
	infoPayload, err := EncodeModelInfo(info)
	if err != nil {
		return nil, err
	}
	if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, infoPayload); err != nil {
		return nil, err
	}

	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		return nil, err
	}
	if err := w.Finalise(); err != nil {
		return nil, err
	}

	st, err := out.Stat()
	if err != nil {
		return nil, err
	}

	return &ConvertResult{
		OutputPath:  outPath,
		TensorCount: len(records),
		TensorBytes: tensorBytes,
		OutputBytes: st.Size(),
		Precision:   opts.Precision,
		Info:        info,
	}, nil
}

func modelName(opts ConvertOptions, srcDir string) string {
	if opts.ModelName != "" {
		return opts.ModelName
	}
	if opts.ModelID != "" {
		if i := strings.LastIndexByte(opts.ModelID, '/'); i >= 0 {
			return opts.ModelID[i+1:]
		}
		return opts.ModelID
	}
	return filepath.Base(srcDir)
}

func readOptional(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return b
}

func writeTensorData(w *Writer, model *safetensors.Model, opts ConvertOptions) ([]TensorRecord, uint64, error) {
	names := model.SortedTensorNames()
	if len(names) == 0 {
		return nil, 0, errors.New("mbf: checkpoint contains no tensors")
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		return nil, 0, err
	}

	records := make([]TensorRecord, 0, len(names))
	var total uint64

	for i, name := range names {
		if opts.Progress != nil {
			opts.Progress(name, i, len(names))
		}

		r, ref, err := model.TensorReader(name)
		if err != nil {
			return nil, 0, err
		}
		srcDT, err := dtypeFromSafetensors(ref.Info.DType)
		if err != nil {
			return nil, 0, fmt.Errorf("tensor %q: %w", name, err)
		}
		dstDT := opts.Precision.targetDType(srcDT)

		if err := sw.Align(tensorAlign); err != nil {
			return nil, 0, err
		}
		off, err := sw.CurrentAbsOffset()
		if err != nil {
			return nil, 0, err
		}

		written, err := castCopy(sw, r, srcDT, dstDT, ref.Info.Size())
		if err != nil {
			return nil, 0, fmt.Errorf("tensor %q: %w", name, err)
		}

		shape := make([]uint64, len(ref.Info.Shape))
		for d, v := range ref.Info.Shape {
			shape[d] = uint64(v)
		}
		rec := TensorRecord{
			Name:     name,
			DType:    dstDT,
			Shape:    shape,
			DataOff:  off,
			DataSize: written,
		}
		if es := dstDT.ElemSize(); es > 0 && rec.Elements()*uint64(es) != written {
			return nil, 0, fmt.Errorf("mbf: tensor %q: shape %v does not match %d payload bytes", name, shape, written)
		}
		records = append(records, rec)
		total += written
	}

	if err := sw.End(); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func dtypeFromSafetensors(s string) (TensorDType, error) {
	switch strings.ToUpper(s) {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	case "F64":
		return DTypeF64, nil
	case "I8":
		return DTypeI8, nil
	case "U8", "BOOL":
		return DTypeU8, nil
	case "I16":
		return DTypeI16, nil
	case "U16":
		return DTypeU16, nil
	case "I32":
		return DTypeI32, nil
	case "U32":
		return DTypeU32, nil
	case "I64":
		return DTypeI64, nil
	case "U64":
		return DTypeU64, nil
	default:
		return DTypeUnknown, fmt.Errorf("unsupported safetensors dtype %q", s)
	}
}

// castCopy streams srcSize bytes from r to dst, converting elements from
// srcDT to dstDT. Equal dtypes take a plain copy path. Chunks are sized to a
// whole number of source elements so no element straddles a read boundary.
func castCopy(dst io.Writer, r io.Reader, srcDT, dstDT TensorDType, srcSize int64) (uint64, error) {
	if srcDT == dstDT {
		n, err := io.CopyN(dst, r, srcSize)
		return uint64(n), err
	}

	srcElem := srcDT.ElemSize()
	dstElem := dstDT.ElemSize()
	if srcElem == 0 || dstElem == 0 {
		return 0, fmt.Errorf("mbf: cannot cast %s to %s", srcDT, dstDT)
	}
	if srcSize%int64(srcElem) != 0 {
		return 0, fmt.Errorf("mbf: payload size %d not a multiple of %s element size", srcSize, srcDT)
	}

	conv, err := elemConverter(srcDT, dstDT)
	if err != nil {
		return 0, err
	}

	chunkElems := castChunkBytes / srcElem
	if chunkElems == 0 {
		chunkElems = 1
	}
	srcBuf := make([]byte, chunkElems*srcElem)
	dstBuf := make([]byte, chunkElems*dstElem)

	var written uint64
	remaining := srcSize
	for remaining > 0 {
		chunk := int64(len(srcBuf))
		if chunk > remaining {
			chunk = remaining
		}
		if _, err := io.ReadFull(r, srcBuf[:chunk]); err != nil {
			return written, err
		}
		n := conv(dstBuf, srcBuf[:chunk])
		if _, err := dst.Write(dstBuf[:n]); err != nil {
			return written, err
		}
		written += uint64(n)
		remaining -= chunk
	}
	return written, nil
}

// elemConverter returns a function converting a whole buffer of source
// elements into dst, returning the number of destination bytes produced.
func elemConverter(srcDT, dstDT TensorDType) (func(dst, src []byte) int, error) {
	toF32, err := f32Decoder(srcDT)
	if err != nil {
		return nil, err
	}
	srcElem := srcDT.ElemSize()

	switch dstDT {
	case DTypeF16:
		return func(dst, src []byte) int {
			n := len(src) / srcElem
			for i := 0; i < n; i++ {
				h := f16FromF32(toF32(src[i*srcElem:]))
				dst[i*2] = byte(h)
				dst[i*2+1] = byte(h >> 8)
			}
			return n * 2
		}, nil
	case DTypeBF16:
		return func(dst, src []byte) int {
			n := len(src) / srcElem
			for i := 0; i < n; i++ {
				h := bf16FromF32Bits(math.Float32bits(toF32(src[i*srcElem:])))
				dst[i*2] = byte(h)
				dst[i*2+1] = byte(h >> 8)
			}
			return n * 2
		}, nil
	default:
		return nil, fmt.Errorf("mbf: cannot cast %s to %s", srcDT, dstDT)
	}
}

func f32Decoder(dt TensorDType) (func(b []byte) float32, error) {
	switch dt {
	case DTypeF32:
		return func(b []byte) float32 { return math.Float32frombits(leU32(b)) }, nil
	case DTypeF16:
		return func(b []byte) float32 { return f16ToF32(leU16(b)) }, nil
	case DTypeBF16:
		return func(b []byte) float32 { return bf16ToF32(leU16(b)) }, nil
	default:
		return nil, fmt.Errorf("mbf: cannot decode %s as float", dt)
	}
}
