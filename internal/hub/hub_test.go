package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ZanzyTHEbar/modelforge/internal/logger"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("", logger.Default())
	c.BaseURL = srv.URL
	return c
}

func TestModelListsSiblings(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/models/LiquidAI/LFM2-350M" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{
			"id": "LiquidAI/LFM2-350M",
			"sha": "abc123",
			"gated": false,
			"siblings": [
				{"rfilename": "config.json"},
				{"rfilename": "model.safetensors"},
				{"rfilename": "tokenizer.json"}
			]
		}`))
	}))

	mi, err := c.Model(context.Background(), "LiquidAI/LFM2-350M", "main")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if mi.ID != "LiquidAI/LFM2-350M" {
		t.Fatalf("unexpected id: %q", mi.ID)
	}
	if !mi.HasFile("model.safetensors") {
		t.Fatal("expected model.safetensors in siblings")
	}
	if mi.HasFile("missing.bin") {
		t.Fatal("HasFile false positive")
	}
	if mi.IsGated() {
		t.Fatal("expected ungated repo")
	}
}

func TestModelGatedString(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","gated":"manual","siblings":[]}`))
	}))

	mi, err := c.Model(context.Background(), "x", "main")
	if err != nil {
		t.Fatalf("Model: %v", err)
	}
	if !mi.IsGated() {
		t.Fatal("expected gated repo")
	}
}

func TestModelNotFound(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.NotFoundHandler())
	_, err := c.Model(context.Background(), "nobody/nothing", "main")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadFile(t *testing.T) {
	t.Parallel()

	content := strings.Repeat("weights!", 1024)
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/org/model/resolve/main/model.safetensors" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))
	}))
	c.Token = "hf_secret"

	dest := filepath.Join(t.TempDir(), "model.safetensors")
	n, err := c.DownloadFile(context.Background(), "org/model", "main", "model.safetensors", dest)
	if err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	if n != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), n)
	}
	if gotAuth != "Bearer hf_secret" {
		t.Fatalf("token not sent: %q", gotAuth)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != content {
		t.Fatal("downloaded content mismatch")
	}
}

func TestDownloadFileLeavesNoPartial(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Claim more bytes than are sent so the length check trips.
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
	}))

	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	if _, err := c.DownloadFile(context.Background(), "org/model", "main", "file.bin", dest); err == nil {
		t.Fatal("expected error for truncated body")
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(ents) != 0 {
		t.Fatalf("expected empty dir after failed download, found %v", ents)
	}
}

func TestDownloadFileNotFound(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.NotFoundHandler())
	dest := filepath.Join(t.TempDir(), "missing.json")
	_, err := c.DownloadFile(context.Background(), "org/model", "main", "missing.json", dest)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDownloadFilesPreservesRelativePaths(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data"))
	}))

	dir := t.TempDir()
	total, err := c.DownloadFiles(context.Background(), "org/model", "main",
		[]string{"config.json", "onnx/model.onnx"}, dir)
	if err != nil {
		t.Fatalf("DownloadFiles: %v", err)
	}
	if total != 8 {
		t.Fatalf("expected 8 bytes total, got %d", total)
	}
	for _, rel := range []string{"config.json", filepath.Join("onnx", "model.onnx")} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s: %v", rel, err)
		}
	}
}

func TestDownloadAccessDenied(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.DownloadFile(context.Background(), "org/gated", "main", "model.safetensors",
		filepath.Join(t.TempDir(), "model.safetensors"))
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Fatalf("expected access denied error, got %v", err)
	}
}
