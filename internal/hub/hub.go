// Package hub is a minimal Hugging Face Hub client covering what a model
// export needs: listing repository files and downloading them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ZanzyTHEbar/modelforge/internal/logger"
)

const DefaultBaseURL = "https://huggingface.co"

// ErrNotFound reports a missing repository or file.
var ErrNotFound = errors.New("hub: not found")

// Client talks to a Hugging Face compatible hub. The zero value is not
// usable; construct with NewClient.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     logger.Logger
}

// NewClient returns a hub client. token may be empty for public
// repositories; pass the HF_TOKEN value for gated ones.
func NewClient(token string, log logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		BaseURL:    DefaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Minute},
		// The hub rate-limits anonymous clients aggressively; pacing our own
		// requests avoids tripping it on many-shard models.
		Limiter: rate.NewLimiter(rate.Limit(8), 8),
		Logger:  log,
	}
}

// Sibling is one file entry in a model repository listing.
type Sibling struct {
	Rfilename string `json:"rfilename"`
}

// ModelInfo is the subset of the hub model API response the exporter uses.
type ModelInfo struct {
	ID       string    `json:"id"`
	SHA      string    `json:"sha"`
	Private  bool      `json:"private"`
	Gated    any       `json:"gated"`
	Siblings []Sibling `json:"siblings"`
}

// HasFile reports whether the repository contains the named file.
func (mi *ModelInfo) HasFile(name string) bool {
	for _, s := range mi.Siblings {
		if s.Rfilename == name {
			return true
		}
	}
	return false
}

// FileNames returns all repository file paths.
func (mi *ModelInfo) FileNames() []string {
	out := make([]string, len(mi.Siblings))
	for i, s := range mi.Siblings {
		out[i] = s.Rfilename
	}
	return out
}

// IsGated reports whether the repository requires accepting terms or a token.
// The API encodes this as false, "auto" or "manual".
func (mi *ModelInfo) IsGated() bool {
	switch v := mi.Gated.(type) {
	case bool:
		return v
	case string:
		return v != ""
	default:
		return false
	}
}

// Model fetches repository metadata including the file listing.
func (c *Client) Model(ctx context.Context, repoID, revision string) (*ModelInfo, error) {
	u := c.BaseURL + "/api/models/" + pathEscapeRepo(repoID)
	if revision != "" && revision != "main" {
		u += "/revision/" + url.PathEscape(revision)
	}

	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, repoID); err != nil {
		return nil, err
	}

	var mi ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&mi); err != nil {
		return nil, fmt.Errorf("hub: decode model info: %w", err)
	}
	return &mi, nil
}

// DownloadFile fetches one repository file into destPath. The transfer goes
// through a uuid-suffixed temp file in the destination directory and is
// renamed on success, so a partial download never shadows a complete file.
func (c *Client) DownloadFile(ctx context.Context, repoID, revision, filename, destPath string) (int64, error) {
	if revision == "" {
		revision = "main"
	}
	u := c.BaseURL + "/" + pathEscapeRepo(repoID) + "/resolve/" + url.PathEscape(revision) + "/" + escapeFilePath(filename)

	resp, err := c.get(ctx, u)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := checkStatus(resp, repoID+"/"+filename); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, err
	}
	tmpPath := destPath + ".partial-" + uuid.NewString()
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	c.Logger.Debug("downloading file",
		"repo", repoID,
		"file", filename,
		"size", resp.ContentLength,
	)

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		cleanup()
		return 0, fmt.Errorf("hub: download %s: %w", filename, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		cleanup()
		return 0, fmt.Errorf("hub: download %s: got %d of %d bytes", filename, n, resp.ContentLength)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// DownloadFiles fetches the named files into destDir, preserving their
// repository-relative paths. Returns the total bytes transferred.
func (c *Client) DownloadFiles(ctx context.Context, repoID, revision string, names []string, destDir string) (int64, error) {
	var total int64
	for _, name := range names {
		n, err := c.DownloadFile(ctx, repoID, revision, name, filepath.Join(destDir, filepath.FromSlash(name)))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return httpClient.Do(req)
}

func checkStatus(resp *http.Response, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("hub: access denied for %s (status %d); gated repositories need a valid token", what, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub: %s: unexpected status %s: %s", what, strconv.Itoa(resp.StatusCode), string(body))
	}
}

// pathEscapeRepo escapes a repo id while keeping the org/name separator.
func pathEscapeRepo(repoID string) string {
	out := ""
	for i, part := range splitSlash(repoID) {
		if i > 0 {
			out += "/"
		}
		out += url.PathEscape(part)
	}
	return out
}

func escapeFilePath(p string) string {
	return pathEscapeRepo(p)
}

func splitSlash(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}
