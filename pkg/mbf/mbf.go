// Package mbf implements the Model Bundle Format.
//
// MBF is a single-file, memory-mappable container for converted language
// models. A bundle holds the tensor payloads of a checkpoint (optionally cast
// to a reduced precision), a tensor index, model metadata derived from the
// upstream config, and the raw upstream config resources a downstream loader
// may want to consult. It describes structure and data only and never implies
// runtime behaviour.
package mbf

// MBF global constants must never change.
const (
	// Magic is the file magic for all MBF containers, encoded as "MBF\0".
	Magic = "MBF\x00"

	// CurrentMajor: any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// CurrentMinor: minor versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks containers whose tensor payloads are
	// 64-byte aligned inside SectionTensorData.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0002
	SectionTensorData  SectionType = 0x0003

	// Raw upstream resources, embedded verbatim.
	SectionConfigJSON           SectionType = 0x0010
	SectionGenerationConfigJSON SectionType = 0x0011
)

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != Magic {
		return false
	}
	if h.HeaderSize < headerSize {
		return false
	}
	return h.SectionCount > 0
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
