// Package vision resolves image references for the vision pipeline. A
// reference may carry embedded base64 data, point at a local file, or name a
// remote HTTP(S) resource; the fetcher validates it against size and time
// limits and materializes remote or embedded bytes into a temp file.
package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"botprobe/internal/httpclient"
	"botprobe/internal/logging"
)

const (
	// DefaultMaxBytes caps how many image bytes a single acquisition may
	// decode, stat, or download.
	DefaultMaxBytes = int64(10 << 20)

	// DefaultTimeout bounds each network round trip (HEAD and GET are timed
	// independently).
	DefaultTimeout = 15 * time.Second

	// DefaultUserAgent is sent on outbound image requests. Some CDNs refuse
	// requests without one.
	DefaultUserAgent = "Mozilla/5.0 (compatible; botprobe/1.0)"

	defaultExtension = "jpg"
	tempPrefix       = "vision"
)

var ownerSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// Config controls a Fetcher. The zero value is usable; unset fields fall back
// to the defaults above.
type Config struct {
	// MaxBytes is the hard ceiling on decoded or downloaded image size.
	MaxBytes int64
	// Timeout bounds each HTTP request issued during an acquisition.
	Timeout time.Duration
	// TempDir receives materialized files. Defaults to os.TempDir().
	TempDir string
	// UserAgent overrides the request User-Agent header.
	UserAgent string
	// HTTPClient overrides the outbound client, mainly for tests.
	HTTPClient *http.Client
	// Logger receives diagnostics for every failed acquisition.
	Logger logging.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// Fetcher acquires image bytes from references and materializes them to
// local files. Temp files it writes are never deleted by it; cleanup belongs
// to the surrounding pipeline.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger logging.Logger
}

// NewFetcher builds a Fetcher from cfg, filling unset fields with defaults.
func NewFetcher(cfg Config) *Fetcher {
	cfg = cfg.withDefaults()
	client := cfg.HTTPClient
	if client == nil {
		// Per-request contexts carry the deadline, so the client itself
		// stays unbounded.
		client = httpclient.New(0)
	}
	return &Fetcher{cfg: cfg, client: client, logger: logging.OrNop(cfg.Logger)}
}

// Acquire resolves raw into a usable local file path. Embedded and remote
// references are written to a fresh temp file; local references are validated
// and returned unchanged. Every expected failure (unknown form, missing file,
// oversize, decode or network error) logs a diagnostic and reports ok=false;
// Acquire never returns an error to its caller.
func (f *Fetcher) Acquire(ctx context.Context, raw, ownerID string, index int) (string, bool) {
	ref := ParseReference(raw)
	switch ref.Kind {
	case KindEmbedded:
		return f.acquireEmbedded(ref.Payload, ownerID, index)
	case KindLocalFile, KindAbsolutePath:
		return f.acquireLocal(ref.Path)
	case KindRemoteURL:
		return f.acquireRemote(ctx, ref.URL, ownerID, index)
	default:
		f.logger.Warn("vision: unrecognized image reference %q", truncateForLog(raw))
		return "", false
	}
}

func (f *Fetcher) acquireEmbedded(payload, ownerID string, index int) (string, bool) {
	if payload == "" {
		f.logger.Warn("vision: embedded image reference has empty body")
		return "", false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		f.logger.Warn("vision: embedded image decode failed: %v", err)
		return "", false
	}
	if len(data) == 0 {
		f.logger.Warn("vision: embedded image decoded to zero bytes")
		return "", false
	}
	if int64(len(data)) > f.cfg.MaxBytes {
		f.logger.Warn("vision: embedded image is %d bytes, limit %d", len(data), f.cfg.MaxBytes)
		return "", false
	}
	return f.writeTemp(data, defaultExtension, ownerID, index)
}

func (f *Fetcher) acquireLocal(filePath string) (string, bool) {
	info, err := os.Stat(filePath)
	if err != nil {
		f.logger.Warn("vision: local image %s unavailable: %v", filePath, err)
		return "", false
	}
	if !info.Mode().IsRegular() {
		f.logger.Warn("vision: local image %s is not a regular file", filePath)
		return "", false
	}
	if info.Size() > f.cfg.MaxBytes {
		f.logger.Warn("vision: local image %s is %d bytes, limit %d", filePath, info.Size(), f.cfg.MaxBytes)
		return "", false
	}
	return filePath, true
}

func (f *Fetcher) acquireRemote(ctx context.Context, rawURL, ownerID string, index int) (string, bool) {
	// Best-effort size pre-check. A failed or refused HEAD is not a reason
	// to abandon the download.
	if declared, ok := f.headContentLength(ctx, rawURL); ok && declared > f.cfg.MaxBytes {
		f.logger.Warn("vision: %s declares %d bytes, limit %d", rawURL, declared, f.cfg.MaxBytes)
		return "", false
	}

	data, contentType, err := f.download(ctx, rawURL)
	if err != nil {
		f.logger.Warn("vision: download of %s failed: %v", rawURL, err)
		return "", false
	}
	return f.writeTemp(data, extensionFor(contentType, rawURL), ownerID, index)
}

// FetchEmbedded downloads rawURL under the same size and timeout policy as a
// remote acquisition (without the HEAD pre-check) and returns the bytes as an
// embedded base64 reference instead of writing a file.
func (f *Fetcher) FetchEmbedded(ctx context.Context, rawURL string) (string, bool) {
	data, _, err := f.download(ctx, rawURL)
	if err != nil {
		f.logger.Warn("vision: embedded fetch of %s failed: %v", rawURL, err)
		return "", false
	}
	return embeddedScheme + base64.StdEncoding.EncodeToString(data), true
}

// headContentLength asks the server for the resource size. The second return
// is false whenever the request failed, was refused, or carried no length.
func (f *Fetcher) headContentLength(ctx context.Context, rawURL string) (int64, bool) {
	headCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, false
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.ContentLength < 0 {
		return 0, false
	}
	return resp.ContentLength, true
}

// download GETs rawURL under the configured timeout and size limit. The body
// is read through a byte-count guard so a missing or lying Content-Length
// cannot push the transfer past MaxBytes.
func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	getCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("http %d received while fetching %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, "", fmt.Errorf("declared size %d exceeds limit %d", resp.ContentLength, f.cfg.MaxBytes)
	}

	data, err := httpclient.ReadAllWithLimit(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		return nil, "", err
	}
	return data, strings.TrimSpace(resp.Header.Get("Content-Type")), nil
}

// writeTemp materializes data under TempDir. The name combines the owning
// message id, a millisecond timestamp, and the per-message index, so
// concurrent acquisitions for different messages or indices cannot collide.
func (f *Fetcher) writeTemp(data []byte, ext, ownerID string, index int) (string, bool) {
	if err := os.MkdirAll(f.cfg.TempDir, 0o755); err != nil {
		f.logger.Error("vision: temp dir %s: %v", f.cfg.TempDir, err)
		return "", false
	}
	name := fmt.Sprintf("%s_%s_%d_%d.%s", tempPrefix, sanitizeOwner(ownerID), time.Now().UnixMilli(), index, ext)
	dest := filepath.Join(f.cfg.TempDir, name)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		f.logger.Error("vision: write %s: %v", dest, err)
		return "", false
	}
	return dest, true
}

func sanitizeOwner(ownerID string) string {
	owner := ownerSanitizer.ReplaceAllString(strings.TrimSpace(ownerID), "_")
	owner = strings.Trim(owner, "._-")
	if owner == "" {
		return "msg"
	}
	return owner
}

// extensionFor resolves the temp-file extension from the response
// Content-Type, then the URL path, then the package default.
func extensionFor(contentType, rawURL string) string {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(mediaType, ";"); idx != -1 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	switch mediaType {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "image/bmp":
		return "bmp"
	}

	if parsed, err := url.Parse(rawURL); err == nil {
		ext := strings.TrimPrefix(path.Ext(parsed.Path), ".")
		if ext != "" && len(ext) <= 5 && ownerSanitizer.FindStringIndex(ext) == nil {
			return strings.ToLower(ext)
		}
	}
	return defaultExtension
}

func truncateForLog(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
