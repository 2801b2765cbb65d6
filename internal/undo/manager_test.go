package undo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/infra/shutdown"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/shmem"
)

type eventLog struct {
	events []string
}

func (l *eventLog) add(s string) { l.events = append(l.events, s) }

func (l *eventLog) OnShutdown(name string, hook shutdown.Hook) {
	l.add("hook:" + name)
}

type fakeSubsystem struct {
	name     string
	size     int
	state    []byte
	restored []byte
	log      *eventLog
	initErr  error
	saveErr  error
	mem      []byte
}

func (f *fakeSubsystem) Name() string  { return f.name }
func (f *fakeSubsystem) ShmemSize() int { return f.size }

func (f *fakeSubsystem) ShmemInit(r *shmem.Region) error {
	f.log.add("init:" + f.name)
	if f.initErr != nil {
		return f.initErr
	}
	var err error
	f.mem, _, err = r.Alloc(f.name, f.size)
	return err
}

func (f *fakeSubsystem) CheckPoint(ctx *checkpoint.Context) error {
	f.log.add("save:" + f.name)
	if f.saveErr != nil {
		return f.saveErr
	}
	if err := ctx.WriteUint32(uint32(len(f.state))); err != nil {
		return err
	}
	return ctx.Write(f.state)
}

func (f *fakeSubsystem) Startup(ctx *checkpoint.Context) error {
	f.log.add("restore:" + f.name)
	n, err := ctx.ReadUint32()
	if err != nil {
		return err
	}
	f.restored = make([]byte, n)
	return ctx.Read(f.restored)
}

func (f *fakeSubsystem) AtProcExit() { f.log.add("exit:" + f.name) }

func newFakes(log *eventLog) []*fakeSubsystem {
	return []*fakeSubsystem{
		{name: "undolog", size: 20, state: []byte("slots"), log: log},
		{name: "recordset", size: 8, state: []byte{}, log: log},
		{name: "xactundo", size: 16, state: []byte("xids and more"), log: log},
	}
}

func asSubsystems(fakes []*fakeSubsystem) []Subsystem {
	out := make([]Subsystem, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

func TestManager_ShmemSize(t *testing.T) {
	log := &eventLog{}
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(newFakes(log)))
	assert.Equal(t, 24+8+16, m.ShmemSize())
	assert.Equal(t, []string{"undolog", "recordset", "xactundo"}, m.Names())
}

func TestManager_ShmemInitOrder(t *testing.T) {
	log := &eventLog{}
	fakes := newFakes(log)
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(fakes))

	require.NoError(t, m.ShmemInit(log))
	assert.Equal(t, []string{"hook:undo", "init:undolog", "init:recordset", "init:xactundo"}, log.events)
	require.NotNil(t, m.Region())
	assert.Equal(t, m.ShmemSize(), m.Region().Size())
	assert.Equal(t, m.ShmemSize(), m.Region().Used())
}

func TestManager_ShmemInitFailureStillExits(t *testing.T) {
	log := &eventLog{}
	fakes := newFakes(log)
	fakes[1].initErr = errors.New("no memory")
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(fakes))

	err := m.ShmemInit(log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recordset")

	log.events = nil
	require.NoError(t, m.AtProcExit(context.Background()))
	assert.Equal(t, []string{"exit:undolog"}, log.events)
}

func TestManager_CheckPointStartupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	log := &eventLog{}
	fakes := newFakes(log)
	m := NewManager(checkpoint.NewStore(dir), asSubsystems(fakes))
	require.NoError(t, m.ShmemInit(nil))

	redo := wal.MakeLSN(1, 0x80)
	require.NoError(t, m.CheckPoint(redo, wal.InvalidLSN))

	log2 := &eventLog{}
	restored := newFakes(log2)
	for _, f := range restored {
		f.state = nil
	}
	m2 := NewManager(checkpoint.NewStore(dir), asSubsystems(restored))
	require.NoError(t, m2.ShmemInit(nil))
	require.NoError(t, m2.Startup(redo, false))

	for i := range fakes {
		assert.Equal(t, fakes[i].state, restored[i].restored, fakes[i].name)
	}
	assert.Equal(t, []string{"init:undolog", "init:recordset", "init:xactundo",
		"restore:undolog", "restore:recordset", "restore:xactundo"}, log2.events)
}

func TestManager_StartupBootstrap(t *testing.T) {
	log := &eventLog{}
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(newFakes(log)))
	require.NoError(t, m.Startup(wal.MakeLSN(9, 9), true))
	assert.Empty(t, log.events)
}

func TestManager_StartupMissingFile(t *testing.T) {
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(newFakes(&eventLog{})))
	err := m.Startup(wal.MakeLSN(1, 8), false)
	assert.ErrorIs(t, err, domain.ErrFileAccess)
}

func TestManager_StartupCorrupted(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	m := NewManager(store, asSubsystems(newFakes(&eventLog{})))
	redo := wal.MakeLSN(1, 8)
	require.NoError(t, m.CheckPoint(redo, wal.InvalidLSN))

	raw, err := os.ReadFile(store.Path(redo))
	require.NoError(t, err)
	raw[len(raw)-6] ^= 0x80 // inside xactundo's bytes
	require.NoError(t, os.WriteFile(store.Path(redo), raw, 0o600))

	err = NewManager(store, asSubsystems(newFakes(&eventLog{}))).Startup(redo, false)
	assert.ErrorIs(t, err, domain.ErrCorruptedCheckpoint)
}

func TestManager_StartupTruncated(t *testing.T) {
	dir := t.TempDir()
	store := checkpoint.NewStore(dir)
	m := NewManager(store, asSubsystems(newFakes(&eventLog{})))
	redo := wal.MakeLSN(1, 8)
	require.NoError(t, m.CheckPoint(redo, wal.InvalidLSN))

	require.NoError(t, os.Truncate(store.Path(redo), 12))
	err := NewManager(store, asSubsystems(newFakes(&eventLog{}))).Startup(redo, false)
	assert.ErrorIs(t, err, domain.ErrShortTransfer)
	assert.Contains(t, err.Error(), "recordset")
}

func TestManager_CheckPointCleansUpPrior(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	m := NewManager(store, asSubsystems(newFakes(&eventLog{})))

	p1, p2, p3 := wal.MakeLSN(1, 0x10), wal.MakeLSN(1, 0x20), wal.MakeLSN(1, 0x30)
	require.NoError(t, m.CheckPoint(p1, wal.InvalidLSN))
	require.NoError(t, m.CheckPoint(p2, p1))
	require.NoError(t, m.CheckPoint(p3, p2))

	infos, err := store.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, p2, infos[0].Redo)
	assert.Equal(t, p3, infos[1].Redo)
}

func TestManager_CheckPointSubsystemFailure(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	log := &eventLog{}
	fakes := newFakes(log)
	fakes[2].saveErr = errors.New("cannot serialize")
	m := NewManager(store, asSubsystems(fakes))

	redo := wal.MakeLSN(1, 8)
	err := m.CheckPoint(redo, wal.InvalidLSN)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xactundo")

	_, statErr := os.Stat(store.Path(redo))
	assert.True(t, os.IsNotExist(statErr))
}

func TestManager_AtProcExitReverseOnce(t *testing.T) {
	log := &eventLog{}
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(newFakes(log)))
	require.NoError(t, m.ShmemInit(nil))

	log.events = nil
	require.NoError(t, m.AtProcExit(context.Background()))
	require.NoError(t, m.AtProcExit(context.Background()))
	assert.Equal(t, []string{"exit:xactundo", "exit:recordset", "exit:undolog"}, log.events)
}

func TestManager_ExitThroughShutdownHandler(t *testing.T) {
	log := &eventLog{}
	h := shutdown.NewHandler(0)
	m := NewManager(checkpoint.NewStore(t.TempDir()), asSubsystems(newFakes(log)))
	require.NoError(t, m.ShmemInit(h))
	require.Equal(t, 1, h.Len())

	log.events = nil
	require.NoError(t, h.Run())
	assert.Equal(t, []string{"exit:xactundo", "exit:recordset", "exit:undolog"}, log.events)
}
