package fileutil

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic_ReplacesContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.toml")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestWriteFileAtomic_InterruptedBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.toml")
	original := []byte("default_config = 'a'\n")
	require.NoError(t, os.WriteFile(path, original, 0600))

	rename = func(string, string) error { return errors.New("crash") }
	t.Cleanup(func() { rename = os.Rename })

	err := WriteFileAtomic(path, []byte("half-written"), 0600)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data, "original must be byte-for-byte unchanged")
	assertNoTempFiles(t, dir)
}

func TestWriteFileExclusive_RefusesToClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")

	require.NoError(t, WriteFileExclusive(path, []byte("first"), 0600))
	err := WriteFileExclusive(path, []byte("second"), 0600)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrExist))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
	assertNoTempFiles(t, filepath.Dir(path))
}

func TestCopyFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0600))

	require.NoError(t, CopyFileAtomic(src, dst, 0600))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.True(t, FileExists(dst))
	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(dst))
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files left behind")
}
