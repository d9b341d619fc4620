// Package safetensors reads Hugging Face safetensors checkpoints, either a
// single .safetensors file or a sharded model described by
// model.safetensors.index.json.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// IndexFile is the standard Hugging Face sharded safetensors index filename.
const IndexFile = "model.safetensors.index.json"

// A defensive cap; real-world headers are typically in the KBs.
const maxHeaderSize = 256 << 20 // 256 MiB

// TensorInfo describes a tensor payload within a single safetensors file.
// Start/End are absolute file offsets (End exclusive); the safetensors header
// stores offsets relative to the data region and we convert on parse.
type TensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (ti TensorInfo) Size() int64 { return ti.End - ti.Start }

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File provides random access to tensors inside a single safetensors file.
// The file stays open until Close; os.File ReadAt is safe for concurrent use.
type File struct {
	Path    string
	f       *os.File
	Tensors map[string]TensorInfo
}

// OpenFile opens and parses a single .safetensors file.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	sf, err := parseFile(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parseFile(f *os.File, path string) (*File, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	sz := st.Size()
	if sz < 8 {
		return nil, fmt.Errorf("safetensors: file too small: %s", path)
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	headerLenU64 := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLenU64 > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: header too large (%d bytes): %s", headerLenU64, path)
	}
	headerLen := int64(headerLenU64)
	if 8+headerLen > sz {
		return nil, fmt.Errorf("safetensors: header exceeds file size: %s", path)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}

	// The header is a JSON map keyed by tensor name, plus optional "__metadata__".
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}
	delete(raw, "__metadata__")

	dataStart := 8 + headerLen
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("safetensors: parse tensor %q: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("safetensors: tensor %q: invalid data_offsets", name)
		}
		startRel, endRel := th.DataOffsets[0], th.DataOffsets[1]
		if startRel < 0 || endRel < startRel {
			return nil, fmt.Errorf("safetensors: tensor %q: invalid offsets", name)
		}
		startAbs := dataStart + startRel
		endAbs := dataStart + endRel
		if endAbs > sz {
			return nil, fmt.Errorf("safetensors: tensor %q: out-of-bounds data range", name)
		}
		for _, d := range th.Shape {
			if d < 0 {
				return nil, fmt.Errorf("safetensors: tensor %q: invalid dim %d", name, d)
			}
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: startAbs,
			End:   endAbs,
		}
	}

	return &File{Path: path, f: f, Tensors: tensors}, nil
}

func (sf *File) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	err := sf.f.Close()
	sf.f = nil
	return err
}

func (sf *File) Tensor(name string) (TensorInfo, bool) {
	ti, ok := sf.Tensors[name]
	return ti, ok
}

// TensorReader returns a reader over the raw tensor bytes.
func (sf *File) TensorReader(name string) (*io.SectionReader, TensorInfo, error) {
	if sf == nil || sf.f == nil {
		return nil, TensorInfo{}, errors.New("safetensors: file closed")
	}
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	return io.NewSectionReader(sf.f, ti.Start, ti.End-ti.Start), ti, nil
}

// TensorRef points to a tensor within a possibly sharded model.
type TensorRef struct {
	Name string
	File *File
	Info TensorInfo
}

// Model is a unified view over a single safetensors file or a sharded
// checkpoint described by the HF index file.
type Model struct {
	BasePath string
	Files    map[string]*File     // key: shard filename (relative)
	Tensors  map[string]TensorRef // key: tensor name
}

// OpenModel opens either:
//   - a single .safetensors file
//   - a directory containing IndexFile
//   - a directory containing exactly one *.safetensors (fallback)
func OpenModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !st.IsDir() {
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected .safetensors file: %s", path)
		}
		sf, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		m := &Model{
			BasePath: path,
			Files:    map[string]*File{filepath.Base(path): sf},
			Tensors:  make(map[string]TensorRef, len(sf.Tensors)),
		}
		for name, info := range sf.Tensors {
			m.Tensors[name] = TensorRef{Name: name, File: sf, Info: info}
		}
		return m, nil
	}

	idxPath := filepath.Join(path, IndexFile)
	if _, err := os.Stat(idxPath); err == nil {
		return openIndexModel(path, idxPath)
	}

	single, err := findSingleInDir(path)
	if err != nil {
		return nil, err
	}
	return OpenModel(single)
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.Files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Model) Tensor(name string) (TensorRef, bool) {
	if m == nil {
		return TensorRef{}, false
	}
	tr, ok := m.Tensors[name]
	return tr, ok
}

// SortedTensorNames returns all tensor names in lexical order for
// deterministic conversion output.
func (m *Model) SortedTensorNames() []string {
	out := make([]string, 0, len(m.Tensors))
	for name := range m.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (m *Model) TensorReader(name string) (*io.SectionReader, TensorRef, error) {
	tr, ok := m.Tensor(name)
	if !ok {
		return nil, TensorRef{}, fmt.Errorf("safetensors: tensor not found: %s", name)
	}
	r, _, err := tr.File.TensorReader(name)
	if err != nil {
		return nil, TensorRef{}, err
	}
	return r, tr, nil
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

func findSingleInDir(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("safetensors: no .safetensors file and no %s in directory: %s", IndexFile, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("safetensors: found %d .safetensors files but no %s in directory: %s", len(matches), IndexFile, dir)
	}
}

func openIndexModel(dir, idxPath string) (*Model, error) {
	b, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("safetensors: parse index: %w", err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("safetensors: index has empty weight_map: %s", idxPath)
	}

	files := make(map[string]*File)
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	for _, shard := range idx.WeightMap {
		if shard == "" {
			closeAll()
			return nil, errors.New("safetensors: invalid shard name in weight_map")
		}
		if _, ok := files[shard]; ok {
			continue
		}
		sf, err := OpenFile(filepath.Join(dir, shard))
		if err != nil {
			closeAll()
			return nil, err
		}
		files[shard] = sf
	}

	tensors := make(map[string]TensorRef, len(idx.WeightMap))
	for name, shard := range idx.WeightMap {
		sf := files[shard]
		info, ok := sf.Tensor(name)
		if !ok {
			closeAll()
			return nil, fmt.Errorf("safetensors: tensor %q not found in shard %q", name, shard)
		}
		tensors[name] = TensorRef{Name: name, File: sf, Info: info}
	}

	return &Model{BasePath: dir, Files: files, Tensors: tensors}, nil
}
