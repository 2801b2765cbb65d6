package undolog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/shmem"
)

func newAllocator(t *testing.T, cfg Config) *Allocator {
	t.Helper()
	a := New(cfg, nil)
	region := shmem.NewRegion("test", a.ShmemSize())
	require.NoError(t, a.ShmemInit(region))
	return a
}

func TestRecPtr(t *testing.T) {
	p := MakeRecPtr(0x12, 0x3456)
	assert.Equal(t, uint32(0x12), p.Log())
	assert.Equal(t, uint64(0x3456), p.Offset())
	assert.Equal(t, "0000120000003456", p.String())
	assert.Equal(t, MakeRecPtr(0x12, 0x3460), p.Add(10))

	parsed, err := ParseRecPtr(p.String())
	require.NoError(t, err)
	assert.Equal(t, p, parsed)

	_, err = ParseRecPtr("123")
	assert.Error(t, err)
	_, err = ParseRecPtr("zz00120000003456")
	assert.Error(t, err)
}

func TestParsePersistence(t *testing.T) {
	for _, s := range []string{"p", "t", "u"} {
		p, err := ParsePersistence(s)
		require.NoError(t, err)
		assert.Equal(t, Persistence(s[0]), p)
	}
	for _, s := range []string{"", "x", "pp"} {
		_, err := ParsePersistence(s)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, s)
	}
	assert.Equal(t, "unlogged", Unlogged.String())
}

func TestAttachReserveDetach(t *testing.T) {
	a := newAllocator(t, Config{MaxLogs: 4, LogSize: 1024})

	log, err := a.Attach(Permanent)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), log)

	p1, err := a.Reserve(log, 100)
	require.NoError(t, err)
	assert.Equal(t, MakeRecPtr(1, 0), p1)
	p2, err := a.Reserve(log, 50)
	require.NoError(t, err)
	assert.Equal(t, MakeRecPtr(1, 100), p2)

	// A second attach gets a different log while the first is held.
	other, err := a.Attach(Permanent)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), other)

	a.Detach(log)
	again, err := a.Attach(Permanent)
	require.NoError(t, err)
	assert.Equal(t, log, again, "detached log with room is reused")

	tmp, err := a.Attach(Temporary)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tmp)

	slot, ok := a.Lookup(log)
	require.True(t, ok)
	assert.Equal(t, uint64(150), slot.Insert)
	assert.True(t, slot.Attached)
	assert.Len(t, a.Slots(), 3)
}

func TestReserve_SpaceExhaustedHasNoSideEffects(t *testing.T) {
	a := newAllocator(t, Config{MaxLogs: 2, LogSize: 128})
	log, err := a.Attach(Permanent)
	require.NoError(t, err)

	_, err = a.Reserve(log, 100)
	require.NoError(t, err)
	_, err = a.Reserve(log, 29)
	assert.ErrorIs(t, err, domain.ErrSpaceExhausted)

	slot, _ := a.Lookup(log)
	assert.Equal(t, uint64(100), slot.Insert)

	_, err = a.Reserve(log, 28)
	assert.NoError(t, err)
}

func TestUnreserve(t *testing.T) {
	a := newAllocator(t, Config{})
	log, err := a.Attach(Permanent)
	require.NoError(t, err)

	_, err = a.Reserve(log, 40)
	require.NoError(t, err)
	p, err := a.Reserve(log, 60)
	require.NoError(t, err)

	a.Unreserve(p)
	slot, _ := a.Lookup(log)
	assert.Equal(t, uint64(40), slot.Insert)

	again, err := a.Reserve(log, 10)
	require.NoError(t, err)
	assert.Equal(t, p, again)
}

func TestReserve_NotAttached(t *testing.T) {
	a := newAllocator(t, Config{})
	_, err := a.Reserve(9, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	log, err := a.Attach(Unlogged)
	require.NoError(t, err)
	a.Detach(log)
	_, err = a.Reserve(log, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDetach_RetiresNearlyFullLog(t *testing.T) {
	a := newAllocator(t, Config{MaxLogs: 4, LogSize: 128})
	log, err := a.Attach(Permanent)
	require.NoError(t, err)
	_, err = a.Reserve(log, 100)
	require.NoError(t, err)
	a.Detach(log)

	slot, _ := a.Lookup(log)
	assert.True(t, slot.Full)

	next, err := a.Attach(Permanent)
	require.NoError(t, err)
	assert.NotEqual(t, log, next)
}

func TestAttach_SlotsExhausted(t *testing.T) {
	a := newAllocator(t, Config{MaxLogs: 2})
	_, err := a.Attach(Permanent)
	require.NoError(t, err)
	_, err = a.Attach(Permanent)
	require.NoError(t, err)
	_, err = a.Attach(Permanent)
	assert.ErrorIs(t, err, domain.ErrSpaceExhausted)

	_, err = a.Attach(Persistence('x'))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestAttach_Uninitialized(t *testing.T) {
	a := New(Config{}, nil)
	_, err := a.Attach(Permanent)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestAdvanceInRecovery(t *testing.T) {
	a := newAllocator(t, Config{MaxLogs: 4, LogSize: 4096})

	require.NoError(t, a.AdvanceInRecovery(MakeRecPtr(5, 100), 20, Permanent))
	slot, ok := a.Lookup(5)
	require.True(t, ok)
	assert.Equal(t, uint64(120), slot.Insert)
	assert.False(t, slot.Attached)

	// Never moves backwards.
	require.NoError(t, a.AdvanceInRecovery(MakeRecPtr(5, 0), 16, Permanent))
	slot, _ = a.Lookup(5)
	assert.Equal(t, uint64(120), slot.Insert)

	// New logs are numbered after replayed ones.
	log, err := a.Attach(Temporary)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), log)
}

func TestAtProcExitDetaches(t *testing.T) {
	a := newAllocator(t, Config{})
	log, err := a.Attach(Permanent)
	require.NoError(t, err)

	a.AtProcExit()
	slot, _ := a.Lookup(log)
	assert.False(t, slot.Attached)
}

func TestCheckPointStartup(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	redo := wal.MakeLSN(1, 8)

	a := newAllocator(t, Config{MaxLogs: 8, LogSize: 4096})
	l1, err := a.Attach(Permanent)
	require.NoError(t, err)
	_, err = a.Reserve(l1, 300)
	require.NoError(t, err)
	l2, err := a.Attach(Temporary)
	require.NoError(t, err)
	a.Detach(l2)

	ctx, err := store.Create(redo)
	require.NoError(t, err)
	require.NoError(t, a.CheckPoint(ctx))
	assert.Equal(t, int64(4+2*SlotSize), ctx.Bytes())
	require.NoError(t, ctx.FinishWrite())

	b := newAllocator(t, Config{MaxLogs: 8, LogSize: 4096})
	ctx, err = store.Open(redo)
	require.NoError(t, err)
	require.NoError(t, b.Startup(ctx))
	require.NoError(t, ctx.FinishRead())

	want := a.Slots()
	for i := range want {
		want[i].Attached = false
	}
	assert.Equal(t, want, b.Slots())

	next, err := b.Attach(Unlogged)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), next)
}

func TestStartup_TooManySlots(t *testing.T) {
	store := checkpoint.NewStore(t.TempDir())
	redo := wal.MakeLSN(1, 8)

	a := newAllocator(t, Config{MaxLogs: 4})
	for i := 0; i < 3; i++ {
		_, err := a.Attach(Permanent)
		require.NoError(t, err)
	}
	ctx, err := store.Create(redo)
	require.NoError(t, err)
	require.NoError(t, a.CheckPoint(ctx))
	require.NoError(t, ctx.FinishWrite())

	b := newAllocator(t, Config{MaxLogs: 2})
	ctx, err = store.Open(redo)
	require.NoError(t, err)
	defer ctx.Abort()
	assert.ErrorIs(t, b.Startup(ctx), domain.ErrCorruptedCheckpoint)
}
