package recordset

import (
	"fmt"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/pagestore"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/internal/undo/undolog"
)

// State is the lifecycle state of a record set.
type State int

const (
	// StateOpen accepts Allocate and PrepareToMarkClosed.
	StateOpen State = iota
	// StateAllocated has space reserved and pages pinned for one Insert.
	StateAllocated
	// StateInserted has written its payload and awaits Release.
	StateInserted
	// StateClosed has been marked closed and awaits Release.
	StateClosed
	// StateReleased is final.
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateAllocated:
		return "allocated"
	case StateInserted:
		return "inserted"
	case StateClosed:
		return "closed"
	case StateReleased:
		return "released"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// RecordSet is one undo record set. It is owned by a single caller and is
// not safe for concurrent use.
type RecordSet struct {
	m           *Manager
	id          uint64
	typ         Type
	persistence undolog.Persistence
	log         uint32

	start undolog.RecPtr
	size  uint64
	state State

	closing    bool
	newStart   bool
	reservedAt undolog.RecPtr
	pendAt     undolog.RecPtr
	pendLen    uint64
	bufs       []*pagestore.Buffer
	info       blockInfo
}

// ID returns the manager-assigned id.
func (rs *RecordSet) ID() uint64 { return rs.id }

// Type returns the owner type.
func (rs *RecordSet) Type() Type { return rs.typ }

// Persistence returns the persistence class.
func (rs *RecordSet) Persistence() undolog.Persistence { return rs.persistence }

// Start returns the header location, or InvalidRecPtr before the first
// reservation.
func (rs *RecordSet) Start() undolog.RecPtr { return rs.start }

// Size returns the payload bytes inserted so far.
func (rs *RecordSet) Size() uint64 { return rs.size }

// State returns the lifecycle state.
func (rs *RecordSet) State() State { return rs.state }

func (rs *RecordSet) String() string {
	return fmt.Sprintf("record set %d (%s, %s, %s)", rs.id, rs.typ, rs.persistence, rs.state)
}

// setStart publishes the set's location to the manager's checkpoint.
func (rs *RecordSet) setStart(p undolog.RecPtr) {
	rs.m.mu.Lock()
	rs.start = p
	rs.m.mu.Unlock()
}

func (rs *RecordSet) invalidState(op string) error {
	return domain.ErrInvalidState.WithDetailf("%s: %s", op, rs)
}

// reserve pins the pages for a header at start and n bytes at dataAt, then
// reserves need bytes at loc. Nothing is left held on failure.
func (rs *RecordSet) reserve(loc, start, dataAt undolog.RecPtr, n, need uint64) error {
	bufs, err := rs.m.pinPages(rs.log, pageSet(start.Offset(), dataAt.Offset(), n))
	if err != nil {
		return err
	}
	got, err := rs.m.alloc.Reserve(rs.log, need)
	if err != nil {
		rs.m.releasePages(bufs)
		return err
	}
	if got != loc {
		rs.m.alloc.Unreserve(got)
		rs.m.releasePages(bufs)
		return domain.ErrInvalidState.WithDetailf("%s: undo log %d moved from %s to %s", rs, rs.log, loc, got)
	}
	rs.bufs = bufs
	rs.reservedAt = loc
	return nil
}

func (rs *RecordSet) insertPoint() (undolog.RecPtr, error) {
	slot, ok := rs.m.alloc.Lookup(rs.log)
	if !ok || !slot.Attached {
		return undolog.InvalidRecPtr, domain.ErrInvalidState.WithDetailf("%s: undo log %d is not attached", rs, rs.log)
	}
	return undolog.MakeRecPtr(rs.log, slot.Insert), nil
}

// Allocate reserves n bytes for the next Insert and pins and locks the
// pages it will touch. It returns where the payload will be written. It
// runs outside any critical section and changes nothing when it fails.
func (rs *RecordSet) Allocate(n uint64) (undolog.RecPtr, error) {
	if rs.state != StateOpen || rs.closing {
		return undolog.InvalidRecPtr, rs.invalidState("allocate")
	}
	if n == 0 {
		return undolog.InvalidRecPtr, domain.ErrInvalidArgument.WithDetailf("allocate: %s: zero-length payload", rs)
	}

	loc, err := rs.insertPoint()
	if err != nil {
		return undolog.InvalidRecPtr, err
	}
	start, dataAt, need := rs.start, loc, n
	newStart := start == undolog.InvalidRecPtr
	if newStart {
		start = loc
		dataAt = loc.Add(HeaderSize)
		need += HeaderSize
	}

	if err := rs.reserve(loc, start, dataAt, n, need); err != nil {
		return undolog.InvalidRecPtr, err
	}
	rs.setStart(start)
	rs.newStart = newStart
	rs.pendAt = dataAt
	rs.pendLen = n
	rs.state = StateAllocated
	return dataAt, nil
}

// PrepareToMarkClosed pins and locks the header page for MarkClosed,
// reserving the header first if the set has no space yet.
func (rs *RecordSet) PrepareToMarkClosed() error {
	if rs.closing || (rs.state != StateOpen && rs.state != StateAllocated) {
		return rs.invalidState("prepare to mark closed")
	}

	switch {
	case rs.start == undolog.InvalidRecPtr:
		loc, err := rs.insertPoint()
		if err != nil {
			return err
		}
		if err := rs.reserve(loc, loc, loc, 0, HeaderSize); err != nil {
			return err
		}
		rs.setStart(loc)
		rs.newStart = true
	case rs.state == StateOpen:
		bufs, err := rs.m.pinPages(rs.log, pageSet(rs.start.Offset(), 0, 0))
		if err != nil {
			return err
		}
		rs.bufs = bufs
	}
	rs.closing = true
	return nil
}

func (rs *RecordSet) header() Header {
	h := readHeader(rs.bufs, rs.start.Offset())
	h.Type = rs.typ
	h.Persistence = rs.persistence
	h.Size = rs.size
	return h
}

func (rs *RecordSet) writeHeader(h Header) {
	copyOut(rs.bufs, rs.start.Offset(), h.encode(), nil)
}

func (rs *RecordSet) registerInfo(ins *wal.Insertion) {
	rs.info.typ = rs.typ
	rs.info.persistence = rs.persistence
	rs.info.start = rs.start
	headerBlock := uint32(rs.start.Offset() / pagestore.PageSize)
	ins.RegisterBlockData(rs.log, headerBlock, rs.info.encode())
}

// Insert writes data into the space reserved by Allocate and registers the
// touched pages with ins. It must run inside the critical section that
// composes ins; misuse there is fatal.
func (rs *RecordSet) Insert(ins *wal.Insertion, data []byte) undolog.RecPtr {
	if ins == nil {
		critical.Fatalf("recordset: insert into %s without a WAL record", rs)
	}
	if rs.state != StateAllocated {
		critical.Fatalf("recordset: insert into %s", rs)
	}
	if uint64(len(data)) != rs.pendLen {
		critical.Fatalf("recordset: insert of %d bytes into %s, %d reserved", len(data), rs, rs.pendLen)
	}

	copyOut(rs.bufs, rs.pendAt.Offset(), data, nil)
	rs.size += rs.pendLen
	rs.writeHeader(rs.header())

	for _, b := range rs.bufs {
		b.MarkDirty()
		ins.RegisterBlock(rs.log, b.ID().Block)
	}
	rs.info.flags |= infoInsert
	rs.info.at = rs.pendAt
	rs.registerInfo(ins)

	rs.state = StateInserted
	return rs.pendAt
}

// MarkClosed sets the closed flag in the header and registers the header
// page with ins. It must follow PrepareToMarkClosed and run inside the
// critical section that composes ins.
func (rs *RecordSet) MarkClosed(ins *wal.Insertion) {
	if ins == nil {
		critical.Fatalf("recordset: mark %s closed without a WAL record", rs)
	}
	if !rs.closing || (rs.state != StateOpen && rs.state != StateInserted) {
		critical.Fatalf("recordset: mark %s closed", rs)
	}

	h := rs.header()
	h.Closed = true
	rs.writeHeader(h)

	for _, blk := range blockRange(nil, rs.start.Offset(), HeaderSize) {
		b := findBuf(rs.bufs, blk)
		b.MarkDirty()
		ins.RegisterBlock(rs.log, blk)
	}
	rs.info.flags |= infoClose
	rs.registerInfo(ins)

	rs.state = StateClosed
}

// SetPageLSN stamps every held page with lsn, the LSN returned by finishing
// the record that describes the change.
func (rs *RecordSet) SetPageLSN(lsn wal.LSN) {
	for _, b := range rs.bufs {
		b.SetLSN(lsn)
	}
}

// Release unlocks and unpins the held pages. A closed set is finished and
// its log detached; otherwise the set is open again. A reservation that
// was never written is handed back.
func (rs *RecordSet) Release() {
	switch {
	case rs.state == StateReleased:
		return
	case rs.state == StateAllocated, rs.state == StateOpen && rs.closing && rs.newStart:
		rs.m.alloc.Unreserve(rs.reservedAt)
		if rs.newStart {
			rs.setStart(undolog.InvalidRecPtr)
		}
	}

	rs.m.releasePages(rs.bufs)
	rs.bufs = nil
	rs.pendAt, rs.pendLen = undolog.InvalidRecPtr, 0
	rs.reservedAt = undolog.InvalidRecPtr
	rs.newStart = false
	rs.info = blockInfo{}

	if rs.state == StateClosed {
		rs.state = StateReleased
		rs.m.alloc.Detach(rs.log)
		rs.m.forget(rs)
		return
	}
	rs.closing = false
	rs.state = StateOpen
}

// Discard drops an open set that never got space, detaching its log.
func (rs *RecordSet) Discard() error {
	if rs.state != StateOpen || rs.closing || rs.start != undolog.InvalidRecPtr {
		return rs.invalidState("discard")
	}
	rs.state = StateReleased
	rs.m.alloc.Detach(rs.log)
	rs.m.forget(rs)
	return nil
}
