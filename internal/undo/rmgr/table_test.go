package rmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/critical"
)

func writeLog(t *testing.T, recs ...wal.RmgrID) (string, []wal.LSN) {
	t.Helper()
	dir := t.TempDir()
	cfg := wal.DefaultConfig(dir)
	cfg.SyncMode = wal.SyncModeSync
	w, err := wal.NewWriter(cfg)
	require.NoError(t, err)

	var lsns []wal.LSN
	for i, id := range recs {
		sec := critical.Enter()
		ins := w.BeginInsert(sec)
		ins.RegisterData([]byte{byte(i)})
		lsns = append(lsns, ins.Finish(id, 1))
		sec.End()
	}
	require.NoError(t, w.Close())
	return dir, lsns
}

func openLog(t *testing.T, dir string) *wal.Reader {
	t.Helper()
	r, err := wal.NewReader(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegister(t *testing.T) {
	tbl := NewTable()
	noop := func(*wal.Record) error { return nil }

	name, ok := tbl.Name(wal.RmgrXLOG)
	assert.True(t, ok)
	assert.Equal(t, "xlog", name)

	require.NoError(t, tbl.Register(wal.RmgrText, "text", noop))
	assert.ErrorIs(t, tbl.Register(wal.RmgrText, "again", noop), domain.ErrInvalidArgument)
	assert.ErrorIs(t, tbl.Register(wal.RmgrXLOG, "xlog", noop), domain.ErrInvalidArgument)
	assert.ErrorIs(t, tbl.Register(wal.RmgrInvalid, "bad", noop), domain.ErrInvalidArgument)
	assert.ErrorIs(t, tbl.Register(wal.RmgrText+1, "nil", nil), domain.ErrInvalidArgument)
}

func TestReplay_DispatchesInOrder(t *testing.T) {
	dir, lsns := writeLog(t, wal.RmgrText, wal.RmgrXLOG, wal.RmgrText)

	var got []byte
	tbl := NewTable()
	require.NoError(t, tbl.Register(wal.RmgrText, "text", func(rec *wal.Record) error {
		got = append(got, rec.Data[0])
		return nil
	}))

	res, err := tbl.Replay(context.Background(), openLog(t, dir), wal.InvalidLSN)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 2}, got)
	assert.Equal(t, 3, res.Records)
	assert.Equal(t, lsns[2], res.End)
}

func TestReplay_FromRedoPosition(t *testing.T) {
	dir, lsns := writeLog(t, wal.RmgrText, wal.RmgrText, wal.RmgrText)

	var got []byte
	tbl := NewTable()
	require.NoError(t, tbl.Register(wal.RmgrText, "text", func(rec *wal.Record) error {
		got = append(got, rec.Data[0])
		return nil
	}))

	// The end of the first record is where the second one starts.
	res, err := tbl.Replay(context.Background(), openLog(t, dir), lsns[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)
	assert.Equal(t, 2, res.Records)
}

func TestReplay_NothingToDo(t *testing.T) {
	dir, lsns := writeLog(t, wal.RmgrText)
	res, err := NewTable().Replay(context.Background(), openLog(t, dir), lsns[0])
	require.NoError(t, err)
	assert.Zero(t, res.Records)
	assert.Equal(t, lsns[0], res.End)
}

func TestReplay_UnknownResourceManagerIsFatal(t *testing.T) {
	dir, _ := writeLog(t, wal.RmgrText)
	tbl := NewTable()

	defer func() {
		fe, ok := critical.AsFatal(recover())
		require.True(t, ok)
		assert.ErrorIs(t, fe, domain.ErrUnknownResourceManager)
	}()
	_, _ = tbl.Replay(context.Background(), openLog(t, dir), wal.InvalidLSN)
	t.Fatal("replay returned")
}

func TestReplay_RedoError(t *testing.T) {
	dir, lsns := writeLog(t, wal.RmgrText, wal.RmgrText)
	boom := errors.New("boom")
	tbl := NewTable()
	require.NoError(t, tbl.Register(wal.RmgrText, "text", func(rec *wal.Record) error {
		if rec.Data[0] == 1 {
			return boom
		}
		return nil
	}))

	res, err := tbl.Replay(context.Background(), openLog(t, dir), wal.InvalidLSN)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, lsns[0], res.End)
}

func TestReplay_Cancelled(t *testing.T) {
	dir, _ := writeLog(t, wal.RmgrText)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTable().Replay(ctx, openLog(t, dir), wal.InvalidLSN)
	assert.ErrorIs(t, err, context.Canceled)
}
