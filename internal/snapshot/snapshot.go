// Package snapshot loads serialized calendars to compare against: local
// files or published http(s) feeds, the latter with a conditional-GET disk
// cache.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/natefinch/atomic"

	appLog "gwics/internal/log"
)

// cacheEntry holds HTTP cache metadata for a single snapshot URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Result is one loaded snapshot.
type Result struct {
	Location  string
	Body      []byte
	FromCache bool
}

// Loader reads snapshots from disk or HTTP.
type Loader struct {
	client   *http.Client
	cacheDir string
}

// NewLoader creates a Loader. cacheDir holds per-URL cache subdirectories.
func NewLoader(cacheDir string) *Loader {
	if cacheDir == "" {
		cacheDir = "./var/snapshot-cache"
	}
	return &Loader{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		cacheDir: cacheDir,
	}
}

// Load reads the snapshot at location, an http(s) URL or a file path. A
// missing file yields an error matching fs.ErrNotExist.
func (l *Loader) Load(ctx context.Context, location string) (Result, error) {
	if location == "" {
		return Result{}, errors.New("snapshot: location is empty")
	}
	if isURL(location) {
		return l.fetch(ctx, location)
	}

	body, err := os.ReadFile(location)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: read %s: %w", location, err)
	}
	return Result{Location: location, Body: body}, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// fetch GETs a published calendar, honoring ETag and Last-Modified, and falls
// back to the cached body on network errors or non-OK statuses.
func (l *Loader) fetch(ctx context.Context, url string) (Result, error) {
	cachePath := l.cachePathForURL(url)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return Result{}, err
	}

	meta, _ := l.loadCacheMeta(cachePath)
	cachedBody, _ := os.ReadFile(filepath.Join(cachePath, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Info("snapshot fetch start", "url", redactURL(url))

	resp, err := l.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("snapshot fetch network error, using cached body", err, "url", redactURL(url))
			return Result{Location: url, Body: cachedBody, FromCache: true}, nil
		}
		return Result{}, fmt.Errorf("snapshot: fetch %s: %w", redactURL(url), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Result{}, err
		}
		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := l.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("snapshot cache save failed", err, "url", redactURL(url))
		}
		return Result{Location: url, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return Result{}, errors.New("snapshot: received 304 Not Modified but no cached body available")
		}
		appLog.Info("snapshot not modified; using cache", "url", redactURL(url))
		return Result{Location: url, Body: cachedBody, FromCache: true}, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("snapshot fetch non-OK, using cached body", errors.New(resp.Status), "url", redactURL(url), "status", resp.StatusCode)
			return Result{Location: url, Body: cachedBody, FromCache: true}, nil
		}
		return Result{}, fmt.Errorf("snapshot: fetch %s: %s", redactURL(url), resp.Status)
	}
}

func (l *Loader) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(l.cacheDir, hex.EncodeToString(sum[:8]))
}

func (l *Loader) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (l *Loader) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := atomic.WriteFile(filepath.Join(cachePath, "body.ics"), bytes.NewReader(body)); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(cachePath, "meta.json"), bytes.NewReader(data))
}

// redactURL keeps only scheme and host of a feed URL for logging; published
// calendar URLs usually embed a secret token.
func redactURL(u string) string {
	i := strings.Index(u, "://")
	if i == -1 {
		return "ics://...(redacted)"
	}
	rest := u[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return u[:i+3] + rest + "/...(redacted)"
}

// Verify re-reads serialized calendar text with an independent parser and
// returns the number of VEVENTs it sees. Blank lines, which the serializer
// emits for empty attendee/attachment groups, are dropped first.
func Verify(text string) (int, error) {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimRight(line, "\r") == "" {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	cal, err := ics.ParseCalendar(strings.NewReader(b.String()))
	if err != nil {
		return 0, fmt.Errorf("snapshot: verify: %w", err)
	}
	return len(cal.Events()), nil
}
