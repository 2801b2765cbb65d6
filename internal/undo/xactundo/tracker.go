package xactundo

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/internal/undo/shmem"
	"github.com/yndnr/undocore/internal/undo/undolog"
	"github.com/yndnr/undocore/pkg/cmap"
)

// Xid is a transaction id. With a WAL attached, ids are never reused,
// even across a crash.
type Xid uint64

// InvalidXid is never assigned.
const InvalidXid Xid = 0

// FirstXid is the first id handed out after bootstrap.
const FirstXid Xid = 1

func (x Xid) String() string { return fmt.Sprintf("xid %d", uint64(x)) }

// XidPrefetch is the number of ids one logged reservation covers.
const XidPrefetch = 64

// OpReserve is the info byte of the RmgrXact record reserving ids below
// the uint64 in its data.
const OpReserve uint8 = 1

// Inserter starts WAL records. *wal.Writer implements it.
type Inserter interface {
	BeginInsert(sec *critical.Section) *wal.Insertion
}

const (
	offNextXid = 0
	offOldest  = 8
	shmemSize  = 16
)

type xact struct {
	mu   sync.Mutex
	sets []undolog.RecPtr
}

func (x *xact) snapshot() []undolog.RecPtr {
	x.mu.Lock()
	defer x.mu.Unlock()
	return slices.Clone(x.sets)
}

// Tracker assigns transaction ids and records the undo record sets each
// running transaction has written. It is the "xactundo" checkpoint
// subsystem.
type Tracker struct {
	logger *slog.Logger
	xacts  *cmap.Map[Xid, *xact]
	wal    Inserter

	mu  sync.Mutex
	mem []byte
	// reserved is the first id not covered by a logged reservation of
	// this process.
	reserved Xid
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWAL logs id reservations to w so replay can move the next id past
// every id handed out before a crash.
func WithWAL(w Inserter) Option {
	return func(t *Tracker) { t.wal = w }
}

// New creates a tracker. It is usable after ShmemInit.
func New(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger: logger,
		xacts:  cmap.New[Xid, *xact](),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements undo.Subsystem.
func (t *Tracker) Name() string { return "xactundo" }

// ShmemSize implements undo.Subsystem.
func (t *Tracker) ShmemSize() int { return shmemSize }

// ShmemInit implements undo.Subsystem.
func (t *Tracker) ShmemInit(region *shmem.Region) error {
	mem, found, err := region.Alloc(t.Name(), t.ShmemSize())
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem = mem
	if !found {
		t.put(offNextXid, FirstXid)
		t.put(offOldest, FirstXid)
	}
	return nil
}

func (t *Tracker) get(off int) Xid { return Xid(binary.LittleEndian.Uint64(t.mem[off:])) }

func (t *Tracker) put(off int, x Xid) { binary.LittleEndian.PutUint64(t.mem[off:], uint64(x)) }

func (t *Tracker) notReady() error {
	return domain.ErrInvalidState.WithDetails("transaction undo tracker is not initialized")
}

// Begin assigns the next transaction id.
func (t *Tracker) Begin() (Xid, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return InvalidXid, t.notReady()
	}
	xid := t.get(offNextXid)
	if t.wal != nil && xid >= t.reserved {
		t.reserve(xid + XidPrefetch)
	}
	t.put(offNextXid, xid+1)
	t.xacts.Set(xid, &xact{})
	return xid, nil
}

func (t *Tracker) reserve(limit Xid) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(limit))

	sec := critical.Enter()
	ins := t.wal.BeginInsert(sec)
	ins.RegisterData(data)
	ins.Finish(wal.RmgrXact, OpReserve)
	sec.End()
	t.reserved = limit
}

// Redo replays an RmgrXact record: the next id moves to the reserved
// limit unless it is already past it.
func (t *Tracker) Redo(rec *wal.Record) error {
	if rec.Info != OpReserve {
		critical.Fatal(domain.ErrUnknownOperation.WithDetailf("xact: op code %d in record at %s", rec.Info, rec.Start))
	}
	if len(rec.Data) != 8 {
		return domain.ErrInvalidArgument.WithDetailf("xact: reservation record at %s has %d bytes", rec.Start, len(rec.Data))
	}
	limit := Xid(binary.LittleEndian.Uint64(rec.Data))

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return t.notReady()
	}
	if limit > t.get(offNextXid) {
		t.put(offNextXid, limit)
	}
	return nil
}

// NextXid returns the id Begin will assign next.
func (t *Tracker) NextXid() Xid {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return InvalidXid
	}
	return t.get(offNextXid)
}

// Attach records that xid wrote the record set starting at start.
// Attaching the same set twice is harmless.
func (t *Tracker) Attach(xid Xid, start undolog.RecPtr) error {
	if start == undolog.InvalidRecPtr {
		return domain.ErrInvalidArgument.WithDetailf("%s: record set has no location", xid)
	}
	x, ok := t.xacts.Get(xid)
	if !ok {
		return domain.ErrInvalidArgument.WithDetailf("attach: %s is not running", xid)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if !slices.Contains(x.sets, start) {
		x.sets = append(x.sets, start)
	}
	return nil
}

// Sets returns the record sets written by xid, in attach order.
func (t *Tracker) Sets(xid Xid) []undolog.RecPtr {
	x, ok := t.xacts.Get(xid)
	if !ok {
		return nil
	}
	return x.snapshot()
}

// Running returns the number of transactions that have begun and not
// finished.
func (t *Tracker) Running() int { return t.xacts.Count() }

// Commit ends xid. Its undo is no longer needed.
func (t *Tracker) Commit(xid Xid) error {
	x, ok := t.xacts.Pop(xid)
	if !ok {
		return domain.ErrInvalidArgument.WithDetailf("commit: %s is not running", xid)
	}
	t.logger.Debug("transaction committed", "xid", uint64(xid), "record_sets", len(x.snapshot()))
	return nil
}

// Abort ends xid and returns the record sets holding the undo to apply,
// newest first.
func (t *Tracker) Abort(xid Xid) ([]undolog.RecPtr, error) {
	x, ok := t.xacts.Pop(xid)
	if !ok {
		return nil, domain.ErrInvalidArgument.WithDetailf("abort: %s is not running", xid)
	}
	sets := x.snapshot()
	slices.Reverse(sets)
	t.logger.Info("transaction aborted", "xid", uint64(xid), "record_sets", len(sets))
	return sets, nil
}

// OldestXidWithUndo returns the oldest running transaction that has written
// undo, or the next id when there is none. Undo written before it may be
// discarded.
func (t *Tracker) OldestXidWithUndo() Xid {
	oldest := t.NextXid()
	t.xacts.Range(func(xid Xid, x *xact) bool {
		if xid < oldest && len(x.snapshot()) > 0 {
			oldest = xid
		}
		return true
	})
	return oldest
}

// RestoredOldest returns the oldest transaction with undo as recorded by
// the checkpoint read at startup, or by the latest CheckPoint.
func (t *Tracker) RestoredOldest() Xid {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return InvalidXid
	}
	return t.get(offOldest)
}

// CheckPoint implements undo.Subsystem: nextXid then oldestXidWithUndo,
// both uint64. The saved next id is the end of the current reservation,
// since replay from this checkpoint will not see the record that made it.
func (t *Tracker) CheckPoint(ctx *checkpoint.Context) error {
	if t.NextXid() == InvalidXid {
		return t.notReady()
	}
	oldest := t.OldestXidWithUndo()

	t.mu.Lock()
	next := t.get(offNextXid)
	if t.reserved > next {
		next = t.reserved
	}
	t.put(offOldest, oldest)
	t.mu.Unlock()

	if err := ctx.WriteUint64(uint64(next)); err != nil {
		return err
	}
	return ctx.WriteUint64(uint64(oldest))
}

// Startup implements undo.Subsystem.
func (t *Tracker) Startup(ctx *checkpoint.Context) error {
	next, err := ctx.ReadUint64()
	if err != nil {
		return err
	}
	oldest, err := ctx.ReadUint64()
	if err != nil {
		return err
	}
	if next == uint64(InvalidXid) || oldest > next {
		return domain.ErrCorruptedCheckpoint.WithDetailf(
			"xactundo: next xid %d, oldest xid with undo %d", next, oldest)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem == nil {
		return t.notReady()
	}
	t.put(offNextXid, Xid(next))
	t.put(offOldest, Xid(oldest))
	t.logger.Debug("transaction undo state restored", "next_xid", next, "oldest_xid_with_undo", oldest)
	return nil
}

// AtProcExit implements undo.Subsystem: transactions still running are
// forgotten.
func (t *Tracker) AtProcExit() {
	if n := t.xacts.Count(); n > 0 {
		t.logger.Warn("transactions running at exit", "count", n)
	}
	t.xacts.Clear()
}
