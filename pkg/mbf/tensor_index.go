package mbf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// TensorIndexVersion is the on-disk version of the tensor index section payload.
const TensorIndexVersion uint32 = 1

// TensorDType identifies the tensor element encoding.
// Values are stable forever; add new ones only.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
)

// ElemSize returns the byte width of one element, or 0 for unknown dtypes.
func (dt TensorDType) ElemSize() int {
	switch dt {
	case DTypeI8, DTypeU8:
		return 1
	case DTypeF16, DTypeBF16, DTypeI16, DTypeU16:
		return 2
	case DTypeF32, DTypeI32, DTypeU32:
		return 4
	case DTypeF64, DTypeI64, DTypeU64:
		return 8
	default:
		return 0
	}
}

func (dt TensorDType) String() string {
	switch dt {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF64:
		return "f64"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI16:
		return "i16"
	case DTypeU16:
		return "u16"
	case DTypeI32:
		return "i32"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeU64:
		return "u64"
	default:
		return "unknown"
	}
}

// TensorRecord describes one tensor payload inside SectionTensorData.
// DataOff is an absolute file offset, which makes slicing payloads out of
// the mapped file trivial.
type TensorRecord struct {
	Name     string
	DType    TensorDType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Elements returns the element count implied by the shape.
func (r TensorRecord) Elements() uint64 {
	var n uint64 = 1
	for _, d := range r.Shape {
		n *= d
	}
	return n
}

// TensorIndex is a parsed tensor index section.
type TensorIndex struct {
	records []TensorRecord
	byName  map[string]int
}

const (
	tensorIndexHdrSize = 16
	maxTensorNameLen   = 1 << 16
	maxTensorRank      = 16
)

// EncodeTensorIndexSection builds a tensor index section payload.
// Records are sorted by name for deterministic output.
//
// Layout (all little-endian):
//
//	u32 version | u32 reserved | u32 count | u32 reserved
//	per record: u16 nameLen | name bytes | u32 dtype | u32 rank |
//	            rank*u64 dims | u64 dataOff | u64 dataSize
func EncodeTensorIndexSection(records []TensorRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("mbf: tensor index requires at least one record")
	}

	recs := make([]TensorRecord, len(records))
	copy(recs, records)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })

	size := tensorIndexHdrSize
	for _, r := range recs {
		if r.Name == "" {
			return nil, errors.New("mbf: tensor name must be non-empty")
		}
		if len(r.Name) >= maxTensorNameLen {
			return nil, fmt.Errorf("mbf: tensor name too long: %d bytes", len(r.Name))
		}
		if len(r.Shape) > maxTensorRank {
			return nil, fmt.Errorf("mbf: tensor %q: rank %d too large", r.Name, len(r.Shape))
		}
		size += 2 + len(r.Name) + 4 + 4 + len(r.Shape)*8 + 8 + 8
	}

	out := make([]byte, 0, size)
	var scratch [8]byte

	binary.LittleEndian.PutUint32(scratch[:4], TensorIndexVersion)
	out = append(out, scratch[:4]...)
	out = append(out, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(scratch[:4], uint32(len(recs)))
	out = append(out, scratch[:4]...)
	out = append(out, 0, 0, 0, 0)

	for _, r := range recs {
		binary.LittleEndian.PutUint16(scratch[:2], uint16(len(r.Name)))
		out = append(out, scratch[:2]...)
		out = append(out, r.Name...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(r.DType))
		out = append(out, scratch[:4]...)
		binary.LittleEndian.PutUint32(scratch[:4], uint32(len(r.Shape)))
		out = append(out, scratch[:4]...)
		for _, d := range r.Shape {
			binary.LittleEndian.PutUint64(scratch[:8], d)
			out = append(out, scratch[:8]...)
		}
		binary.LittleEndian.PutUint64(scratch[:8], r.DataOff)
		out = append(out, scratch[:8]...)
		binary.LittleEndian.PutUint64(scratch[:8], r.DataSize)
		out = append(out, scratch[:8]...)
	}
	return out, nil
}

// ParseTensorIndexSection validates and decodes a tensor index section payload.
// Pass it File.SectionData(SectionTensorIndex).
func ParseTensorIndexSection(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHdrSize {
		return nil, ErrCorruptFile
	}
	version := binary.LittleEndian.Uint32(sec[0:4])
	if version != TensorIndexVersion {
		return nil, fmt.Errorf("%w: tensor index version %d", ErrCorruptFile, version)
	}
	count := binary.LittleEndian.Uint32(sec[8:12])
	if count == 0 {
		return nil, ErrCorruptFile
	}

	records := make([]TensorRecord, 0, count)
	byName := make(map[string]int, count)
	p := tensorIndexHdrSize

	for i := uint32(0); i < count; i++ {
		if p+2 > len(sec) {
			return nil, ErrCorruptFile
		}
		nameLen := int(binary.LittleEndian.Uint16(sec[p : p+2]))
		p += 2
		if nameLen == 0 || p+nameLen > len(sec) {
			return nil, ErrCorruptFile
		}
		name := string(sec[p : p+nameLen])
		p += nameLen

		if p+8 > len(sec) {
			return nil, ErrCorruptFile
		}
		dtype := TensorDType(binary.LittleEndian.Uint32(sec[p : p+4]))
		rank := int(binary.LittleEndian.Uint32(sec[p+4 : p+8]))
		p += 8
		if rank > maxTensorRank {
			return nil, ErrCorruptFile
		}
		if p+rank*8+16 > len(sec) {
			return nil, ErrCorruptFile
		}
		var shape []uint64
		if rank > 0 {
			shape = make([]uint64, rank)
			for d := 0; d < rank; d++ {
				shape[d] = binary.LittleEndian.Uint64(sec[p : p+8])
				p += 8
			}
		}
		dataOff := binary.LittleEndian.Uint64(sec[p : p+8])
		dataSize := binary.LittleEndian.Uint64(sec[p+8 : p+16])
		p += 16

		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate tensor name %q", ErrCorruptFile, name)
		}
		byName[name] = len(records)
		records = append(records, TensorRecord{
			Name:     name,
			DType:    dtype,
			Shape:    shape,
			DataOff:  dataOff,
			DataSize: dataSize,
		})
	}
	if p != len(sec) {
		return nil, fmt.Errorf("%w: %d trailing bytes after tensor index", ErrCorruptFile, len(sec)-p)
	}

	return &TensorIndex{records: records, byName: byName}, nil
}

func (ti *TensorIndex) Count() int {
	return len(ti.records)
}

func (ti *TensorIndex) Record(i int) (TensorRecord, error) {
	if i < 0 || i >= len(ti.records) {
		return TensorRecord{}, ErrCorruptFile
	}
	return ti.records[i], nil
}

// Find returns the record for the given tensor name.
func (ti *TensorIndex) Find(name string) (TensorRecord, bool) {
	if ti == nil {
		return TensorRecord{}, false
	}
	i, ok := ti.byName[name]
	if !ok {
		return TensorRecord{}, false
	}
	return ti.records[i], true
}

// Names returns all tensor names in index order (sorted at encode time).
func (ti *TensorIndex) Names() []string {
	out := make([]string, len(ti.records))
	for i := range ti.records {
		out[i] = ti.records[i].Name
	}
	return out
}

// TensorData returns a zero-copy view of the tensor payload bytes from the
// mapped file. Record offsets are absolute file offsets.
func (ti *TensorIndex) TensorData(f *File, name string) ([]byte, TensorRecord, error) {
	if f == nil || f.Data == nil {
		return nil, TensorRecord{}, ErrCorruptFile
	}
	r, ok := ti.Find(name)
	if !ok {
		return nil, TensorRecord{}, fmt.Errorf("mbf: tensor not found: %s", name)
	}
	end := r.DataOff + r.DataSize
	if end < r.DataOff || end > uint64(len(f.Data)) {
		return nil, TensorRecord{}, ErrCorruptFile
	}
	return f.Data[r.DataOff:end], r, nil
}
