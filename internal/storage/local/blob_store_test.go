package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestNewCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestNewRejectsFileAsBaseDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err := New(Config{BaseDir: file})
	assert.Error(t, err)
}

func TestWriteAndLocation(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	loc, err := store.Write(context.Background(), "acme", "ab/cd.png", "image/png", []byte("payload"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "acme", "ab", "cd.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestWriteOverwritesSameKey(t *testing.T) {
	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	_, err = store.Write(context.Background(), "acme", "k.png", "image/png", []byte("one"))
	require.NoError(t, err)
	_, err = store.Write(context.Background(), "acme", "k.png", "image/png", []byte("two"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "acme", "k.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), data)
}

func TestWriteRejectsTraversal(t *testing.T) {
	store, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = store.Write(context.Background(), "acme", "../../etc/passwd", "", []byte("x"))
	assert.Error(t, err)
}
