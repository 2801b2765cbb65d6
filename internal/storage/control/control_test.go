package control

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/storage/wal"
)

func TestRead_AbsentMeansBootstrap(t *testing.T) {
	c := New(t.TempDir())
	d, found, err := c.Read()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, Data{}, d)
}

func TestWriteRead(t *testing.T) {
	c := New(t.TempDir())
	before := time.Now().Add(-time.Second)
	want := Data{
		CheckpointRedo: wal.MakeLSN(2, 4096),
		PriorRedo:      wal.MakeLSN(1, 8),
		State:          StateInProduction,
	}
	require.NoError(t, c.Write(want))

	got, found, err := c.Read()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want.CheckpointRedo, got.CheckpointRedo)
	assert.Equal(t, want.PriorRedo, got.PriorRedo)
	assert.Equal(t, StateInProduction, got.State)
	assert.True(t, got.UpdatedAt.After(before))

	want.State = StateShutDown
	require.NoError(t, c.Write(want))
	got, _, err = c.Read()
	require.NoError(t, err)
	assert.Equal(t, StateShutDown, got.State)

	_, err = os.Stat(c.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestRead_DetectsCorruption(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Write(Data{CheckpointRedo: wal.MakeLSN(1, 64), State: StateInProduction}))

	raw, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	raw[2] ^= 0xff
	require.NoError(t, os.WriteFile(c.Path(), raw, 0600))

	_, _, err = c.Read()
	assert.ErrorIs(t, err, domain.ErrControlCorrupted)
}

func TestRead_TooShort(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, os.WriteFile(c.Path(), []byte("{}"), 0600))
	_, _, err := c.Read()
	assert.ErrorIs(t, err, domain.ErrControlCorrupted)
}

func TestRead_RejectsPriorPastCheckpoint(t *testing.T) {
	c := New(t.TempDir())
	require.NoError(t, c.Write(Data{CheckpointRedo: wal.MakeLSN(1, 8), PriorRedo: wal.MakeLSN(2, 8)}))
	_, _, err := c.Read()
	assert.ErrorIs(t, err, domain.ErrControlCorrupted)
}

func TestWrite_FailureKeepsOldFile(t *testing.T) {
	dir := t.TempDir()
	ffs := fsys.NewFaultyFS(fsys.Default)
	c := New(dir, WithFS(ffs))
	old := Data{CheckpointRedo: wal.MakeLSN(1, 8), State: StateInProduction}
	require.NoError(t, c.Write(old))

	ffs.AddRule(FileName+".tmp", fsys.Fault{FailAfterBytes: -1, FailOnSync: true})
	err := c.Write(Data{CheckpointRedo: wal.MakeLSN(3, 8)})
	assert.ErrorIs(t, err, domain.ErrFileAccess)

	got, found, err := c.Read()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, old.CheckpointRedo, got.CheckpointRedo)

	_, err = os.Stat(c.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWrite_DirSyncFailure(t *testing.T) {
	ffs := fsys.NewFaultyFS(fsys.Default)
	ffs.FailDirSync(true)
	c := New(t.TempDir(), WithFS(ffs))
	assert.ErrorIs(t, c.Write(Data{}), domain.ErrFileAccess)
}
