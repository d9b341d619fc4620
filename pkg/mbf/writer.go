package mbf

import (
	"errors"
	"io"
	"os"
	"sort"
)

const (
	writerPadBufSize  = 4096
	writerCopyBufSize = 1 << 20 // 1 MiB
)

// Writer builds an MBF file in a streaming fashion.
//
// The writer reserves space for the header up-front and patches it during
// Finalise. Use BeginSection for large payloads (tensor data) to avoid
// buffering whole sections in memory. A Writer is not safe for concurrent
// use; the conversion pipeline drives it from a single goroutine.
type Writer struct {
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	open     *SectionWriter
	closed   bool

	flags uint64

	padBuf  []byte
	copyBuf []byte
}

// SectionWriter streams a section payload directly to the underlying file.
//
// A SectionWriter must be ended (End or Close) before any other section can
// be written. Bytes written, including padding added via Align, count towards
// the section's recorded Size.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter creates a new MBF writer targeting the given file.
// It truncates the file and reserves space for the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("mbf: nil file")
	}

	// The on-disk size must match header.FileSize even when the target file
	// is being reused.
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	w := &Writer{
		f:       f,
		seen:    make(map[SectionType]struct{}),
		padBuf:  make([]byte, writerPadBufSize),
		copyBuf: make([]byte, writerCopyBufSize),
	}

	// Reserve actual header bytes, not a seek hole.
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	if err := w.alignTo(sectionAlign); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes a section payload and records it in the section table.
// Sections may be written in any order; a section type may only appear once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	if err := w.beginCheck(typ); err != nil {
		return err
	}
	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if err := writeFull(w.f, data); err != nil {
			return err
		}
	}
	w.record(typ, version, uint64(offset), uint64(len(data)))
	return nil
}

// WriteSectionFromReader copies the section payload from r into the file,
// for payloads that should not be buffered whole in memory.
func (w *Writer) WriteSectionFromReader(typ SectionType, version uint32, r io.Reader) (uint64, error) {
	if r == nil {
		return 0, errors.New("mbf: nil reader")
	}
	if err := w.beginCheck(typ); err != nil {
		return 0, err
	}
	if err := w.alignTo(sectionAlign); err != nil {
		return 0, err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	written, err := io.CopyBuffer(w.f, r, w.copyBuf)
	if err != nil {
		return 0, err
	}
	w.record(typ, version, uint64(offset), uint64(written))
	return uint64(written), nil
}

func (w *Writer) AddFlags(flags uint64) error {
	if w.closed {
		return errors.New("mbf: writer already finalised")
	}
	w.flags |= flags
	return nil
}

// BeginSection begins streaming a section payload directly to the file.
// The returned SectionWriter must be ended before any other section is written.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	if err := w.beginCheck(typ); err != nil {
		return nil, err
	}
	if err := w.alignTo(sectionAlign); err != nil {
		return nil, err
	}
	start, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, typ: typ, version: version, start: start}
	w.open = sw
	// Once bytes for a section type start flowing there is no safe undo.
	w.seen[typ] = struct{}{}
	return sw, nil
}

func (w *Writer) beginCheck(typ SectionType) error {
	if w.closed {
		return errors.New("mbf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("mbf: section write in progress")
	}
	if _, ok := w.seen[typ]; ok {
		return errors.New("mbf: duplicate section type")
	}
	return nil
}

func (w *Writer) record(typ SectionType, version uint32, offset, size uint64) {
	w.sections = append(w.sections, Section{
		Type:    uint32(typ),
		Version: version,
		Offset:  offset,
		Size:    size,
	})
	w.seen[typ] = struct{}{}
}

// CurrentAbsOffset returns the current absolute file offset.
func (sw *SectionWriter) CurrentAbsOffset() (uint64, error) {
	if err := sw.active(); err != nil {
		return 0, err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	return uint64(pos), nil
}

// Align writes zero padding until the file position is aligned to n bytes.
// Used to align individual tensor payloads inside the TensorData section.
func (sw *SectionWriter) Align(n int) error {
	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

// Write streams p into the underlying file.
func (sw *SectionWriter) Write(p []byte) (int, error) {
	if err := sw.active(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := writeFull(sw.w.f, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End finalises the section and records it in the section directory.
func (sw *SectionWriter) End() error {
	if err := sw.active(); err != nil {
		return err
	}
	pos, err := sw.w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pos < sw.start {
		return errors.New("mbf: invalid file position")
	}
	sw.w.sections = append(sw.w.sections, Section{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Close is an alias for End, allowing use with defer.
func (sw *SectionWriter) Close() error {
	if sw.ended {
		return nil
	}
	return sw.End()
}

func (sw *SectionWriter) active() error {
	if sw.ended {
		return errors.New("mbf: section writer ended")
	}
	if sw.w.open != sw {
		return errors.New("mbf: section writer not active")
	}
	return nil
}

// Finalise writes the section directory and patches the header.
// After Finalise the writer must not be used again.
func (w *Writer) Finalise() error {
	if w.closed {
		return errors.New("mbf: writer already finalised")
	}
	if w.open != nil {
		return errors.New("mbf: section write in progress")
	}
	w.closed = true

	// Deterministic directory ordering.
	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})

	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	sectionDirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var secBuf [sectionSize]byte
	for i := range w.sections {
		if !encodeSection(secBuf[:], w.sections[i]) {
			return errors.New("mbf: encode section failed")
		}
		if err := writeFull(w.f, secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	// Critical when the target file was reused.
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var header Header
	copy(header.Magic[:], Magic)
	header.Major = CurrentMajor
	header.Minor = CurrentMinor
	header.HeaderSize = headerSize
	header.SectionCount = uint32(len(w.sections))
	header.SectionDirOffset = uint64(sectionDirOffset)
	header.FileSize = uint64(fileSize)
	header.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	if !encodeHeader(hdrBuf[:], header) {
		return errors.New("mbf: encode header failed")
	}
	if err := writeFull(w.f, hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	mod := pos % n
	if mod == 0 {
		return nil
	}
	return w.writeZeros(int(n - mod))
}

func (w *Writer) writeZeros(n int) error {
	for n > 0 {
		toWrite := min(n, len(w.padBuf))
		if err := writeFull(w.f, w.padBuf[:toWrite]); err != nil {
			return err
		}
		n -= toWrite
	}
	return nil
}

func writeFull(f *os.File, p []byte) error {
	for len(p) > 0 {
		n, err := f.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
