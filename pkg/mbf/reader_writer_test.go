package mbf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func createBundle(t *testing.T, build func(w *Writer)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	build(w)
	if err := w.Finalise(); err != nil {
		t.Fatalf("Finalise: %v", err)
	}
	return path
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	info := []byte(`{"model_name":"tiny"}`)
	config := []byte(`{"model_type":"lfm2"}`)
	payload := bytes.Repeat([]byte{0xAB}, 300)

	path := createBundle(t, func(w *Writer) {
		if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, info); err != nil {
			t.Fatalf("write model info: %v", err)
		}
		if err := w.WriteSection(SectionConfigJSON, 1, config); err != nil {
			t.Fatalf("write config: %v", err)
		}
		sw, err := w.BeginSection(SectionTensorData, 1)
		if err != nil {
			t.Fatalf("BeginSection: %v", err)
		}
		if err := sw.Align(tensorAlign); err != nil {
			t.Fatalf("Align: %v", err)
		}
		if _, err := sw.Write(payload); err != nil {
			t.Fatalf("stream write: %v", err)
		}
		if err := sw.End(); err != nil {
			t.Fatalf("End: %v", err)
		}
		if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
			t.Fatalf("AddFlags: %v", err)
		}
	})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Major != CurrentMajor || f.Header.Minor != CurrentMinor {
		t.Fatalf("unexpected version %d.%d", f.Header.Major, f.Header.Minor)
	}
	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatal("alignment flag not set")
	}
	if len(f.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(f.Sections))
	}
	// Finalise sorts the directory by type.
	for i := 1; i < len(f.Sections); i++ {
		if f.Sections[i-1].Type > f.Sections[i].Type {
			t.Fatal("section directory not sorted by type")
		}
	}

	if got := f.SectionData(SectionModelInfo); !bytes.Equal(got, info) {
		t.Fatalf("model info mismatch: %q", got)
	}
	if got := f.SectionData(SectionConfigJSON); !bytes.Equal(got, config) {
		t.Fatalf("config mismatch: %q", got)
	}

	td := f.SectionData(SectionTensorData)
	// The streamed section includes the alignment padding before the payload.
	if len(td) < len(payload) {
		t.Fatalf("tensor data too short: %d", len(td))
	}
	if !bytes.Equal(td[len(td)-len(payload):], payload) {
		t.Fatal("tensor payload mismatch")
	}

	if f.SectionData(SectionGenerationConfigJSON) != nil {
		t.Fatal("expected nil for absent section")
	}
}

func TestOpenReaderAt(t *testing.T) {
	t.Parallel()

	path := createBundle(t, func(w *Writer) {
		if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte(`{"model_name":"x"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := OpenReaderAt(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("OpenReaderAt: %v", err)
	}
	defer func() { _ = f.Close() }()
	if f.Section(SectionModelInfo) == nil {
		t.Fatal("model info section missing")
	}
}

func TestDuplicateSectionRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dup.mbf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSection(SectionConfigJSON, 1, []byte("{}")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteSection(SectionConfigJSON, 1, []byte("{}")); err == nil {
		t.Fatal("expected duplicate section error")
	}
}

func TestWriterRejectsInterleavedSections(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "interleave.mbf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatalf("BeginSection: %v", err)
	}
	if err := w.WriteSection(SectionConfigJSON, 1, []byte("{}")); err == nil {
		t.Fatal("expected error while a section stream is open")
	}
	if err := sw.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := w.WriteSection(SectionConfigJSON, 1, []byte("{}")); err != nil {
		t.Fatalf("write after End: %v", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()
	path := createBundle(t, func(w *Writer) {
		if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte("{}")); err != nil {
			t.Fatalf("write: %v", err)
		}
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[0] = 'X'
	bad := filepath.Join(t.TempDir(), "bad.mbf")
	if err := os.WriteFile(bad, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(bad); err != ErrInvalidMagic {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestOpenRejectsUnsupportedMajor(t *testing.T) {
	t.Parallel()
	path := createBundle(t, func(w *Writer) {
		if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte("{}")); err != nil {
			t.Fatalf("write: %v", err)
		}
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	raw[4] = 0xFF // major version low byte
	bad := filepath.Join(t.TempDir(), "major.mbf")
	if err := os.WriteFile(bad, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(bad); err != ErrUnsupportedMajor {
		t.Fatalf("expected ErrUnsupportedMajor, got %v", err)
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	t.Parallel()
	path := createBundle(t, func(w *Writer) {
		if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte("{}")); err != nil {
			t.Fatalf("write: %v", err)
		}
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	bad := filepath.Join(t.TempDir(), "trunc.mbf")
	if err := os.WriteFile(bad, raw[:len(raw)-8], 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// FileSize in the header no longer matches the on-disk size.
	if _, err := Open(bad); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestFinaliseTwiceFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "twice.mbf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, ModelInfoVersion, []byte("{}")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("Finalise: %v", err)
	}
	if err := w.Finalise(); err == nil {
		t.Fatal("expected error on second Finalise")
	}
}
