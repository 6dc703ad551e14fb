package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDir_IDsAndFetch(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.eml"), "second")
	writeFile(t, filepath.Join(root, "a.EML"), "first")
	writeFile(t, filepath.Join(root, "sub", "c.eml"), "nested")
	writeFile(t, filepath.Join(root, "notes.txt"), "ignored")

	src := NewDir(root)
	ids, err := src.IDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a.EML", "b.eml", "sub/c.eml"}, ids)

	data, err := src.Fetch(context.Background(), "sub/c.eml")
	require.NoError(t, err)
	assert.Equal(t, "nested", string(data))
}

func TestDir_FetchRejectsEscapes(t *testing.T) {
	src := NewDir(t.TempDir())
	_, err := src.Fetch(context.Background(), "../outside.eml")
	assert.Error(t, err)
}

func TestDir_MissingRoot(t *testing.T) {
	src := NewDir(filepath.Join(t.TempDir(), "missing"))
	_, err := src.IDs(context.Background())
	assert.Error(t, err)
}

func TestDir_CanceledContext(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.eml"), "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDir(root).Fetch(ctx, "a.eml")
	assert.ErrorIs(t, err, context.Canceled)
}
