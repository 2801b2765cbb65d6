package fsys

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS_WriteSyncDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")

	f, err := Default.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())
	require.NoError(t, Default.SyncDir(dir))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestLocalFS_SyncDirMissing(t *testing.T) {
	err := Default.SyncDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestFaultyFS_FailAfterBytes(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("data", Fault{FailAfterBytes: 4})

	f, err := ffs.OpenFile(filepath.Join(dir, "data"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = f.Write([]byte("5"))
	assert.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 0, n)
}

func TestFaultyFS_ShortWrite(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("data", Fault{FailAfterBytes: 6, ShortWrite: true})

	f, err := ffs.OpenFile(filepath.Join(dir, "data"), os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("0123456789"))
	assert.True(t, errors.Is(err, io.ErrShortWrite))
	assert.Equal(t, 6, n)
}

func TestFaultyFS_SyncCloseRemove(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	custom := errors.New("disk on fire")
	ffs.AddRule("bad", Fault{FailAfterBytes: -1, FailOnSync: true, FailOnClose: true, FailOnRemove: true, Err: custom})

	path := filepath.Join(dir, "bad")
	f, err := ffs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	require.NoError(t, err)
	assert.ErrorIs(t, f.Sync(), custom)
	assert.ErrorIs(t, f.Close(), custom)
	assert.ErrorIs(t, ffs.Remove(path), custom)

	_, err = os.Stat(path)
	assert.NoError(t, err, "failed remove must leave the file in place")
}

func TestFaultyFS_OpenAndDirSync(t *testing.T) {
	dir := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("locked", Fault{FailAfterBytes: -1, FailOnOpen: true})

	_, err := ffs.OpenFile(filepath.Join(dir, "locked"), os.O_CREATE|os.O_RDWR, 0o600)
	assert.ErrorIs(t, err, ErrInjected)

	require.NoError(t, ffs.SyncDir(dir))
	assert.Equal(t, 1, ffs.DirSyncs())

	ffs.FailDirSync(true)
	assert.Error(t, ffs.SyncDir(dir))
	assert.Equal(t, 1, ffs.DirSyncs())

	ffs.ClearRules()
	require.NoError(t, ffs.SyncDir(dir))
}
