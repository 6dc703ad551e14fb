// Package source enumerates and fetches the raw groupware export messages
// that carry calendar payloads.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MessageSource is a mail store: list message ids, fetch one message.
type MessageSource interface {
	IDs(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// Dir is a MessageSource over a directory tree of .eml files. Message ids are
// slash-separated paths relative to the root.
type Dir struct {
	root string
}

// NewDir creates a directory-backed source.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// IDs walks the tree and returns the .eml files in lexical order.
func (d *Dir) IDs(ctx context.Context) ([]string, error) {
	absRoot, err := filepath.Abs(d.root)
	if err != nil {
		return nil, fmt.Errorf("source: failed to get absolute root path: %w", err)
	}

	var ids []string
	err = filepath.WalkDir(absRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("source: error accessing path %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || strings.ToLower(filepath.Ext(path)) != ".eml" {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return fmt.Errorf("source: failed to get relative path for %s: %w", path, err)
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)
	return ids, nil
}

// Fetch reads one message by id.
func (d *Dir) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	clean := filepath.Clean(filepath.FromSlash(id))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, errors.New("source: message id escapes the source directory")
	}
	data, err := os.ReadFile(filepath.Join(d.root, clean))
	if err != nil {
		return nil, fmt.Errorf("source: failed to read message %s: %w", id, err)
	}
	return data, nil
}
