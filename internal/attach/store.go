// Package attach persists attachment payloads resolved from ATTACH
// placeholders and hands back the reference written into the calendar.
package attach

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	appLog "gwics/internal/log"
)

// URLPrefix is the path under which the web server exposes stored payloads.
const URLPrefix = "/attachments/"

// Store writes payloads below a root directory.
type Store struct {
	dir       string
	publicURL string
}

// NewStore creates a Store rooted at dir. When publicURL is set, references
// are URLs under publicURL+URLPrefix; otherwise they are absolute paths.
func NewStore(dir, publicURL string) *Store {
	if dir == "" {
		dir = "./var/attachments"
	}
	return &Store{
		dir:       dir,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Write stores data under the slash-separated name (e.g. "recordid/file.pdf")
// and returns its reference. It has the signature of ical.AttachmentWriter.
func (s *Store) Write(name string, data []byte) (string, error) {
	segments, err := cleanSegments(name)
	if err != nil {
		return "", err
	}

	target := filepath.Join(append([]string{s.dir}, segments...)...)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return "", fmt.Errorf("attach: create directory: %w", err)
	}
	if err := atomic.WriteFile(target, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("attach: write %s: %w", target, err)
	}

	appLog.Debug("attachment stored", "name", strings.Join(segments, "/"), "bytes", len(data))

	if s.publicURL != "" {
		escaped := make([]string, len(segments))
		for i, seg := range segments {
			escaped[i] = url.PathEscape(seg)
		}
		return s.publicURL + URLPrefix + strings.Join(escaped, "/"), nil
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return target, nil
	}
	return abs, nil
}

// cleanSegments splits a payload name into safe path segments. Control
// characters and quotes are dropped; empty, "." and ".." segments are
// rejected so nothing lands outside the store.
func cleanSegments(name string) ([]string, error) {
	var out []string
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		seg = strings.Map(func(r rune) rune {
			if r < 32 || r == 127 || r == '"' || r == '\'' || r == '\\' {
				return -1
			}
			return r
		}, seg)
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return nil, fmt.Errorf("attach: invalid name %q", name)
		}
		if len(seg) > 255 {
			seg = seg[:255]
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, errors.New("attach: empty name")
	}
	return out, nil
}
