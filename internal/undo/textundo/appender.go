package textundo

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"strings"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/internal/undo/recordset"
	"github.com/yndnr/undocore/internal/undo/undolog"
	"github.com/yndnr/undocore/internal/undo/xactundo"
)

// Op codes carried in the info byte of RmgrText records.
const (
	OpString           uint8 = 1
	OpPing             uint8 = 2
	OpCreateWriteClose uint8 = 3
)

// pingPayload is the body of the record that closes a set. Any record
// will do; this one carries nothing useful.
const pingPayload = 42

// Inserter starts WAL records. *wal.Writer implements it.
type Inserter interface {
	BeginInsert(sec *critical.Section) *wal.Insertion
}

// Appender writes text into at most one active record set at a time.
type Appender struct {
	sets    *recordset.Manager
	wal     Inserter
	tracker *xactundo.Tracker
	logger  *slog.Logger

	mu  sync.Mutex
	cur *recordset.RecordSet
	xid xactundo.Xid
}

// Option configures an Appender.
type Option func(*Appender)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Appender) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTracker runs every record set under its own transaction so the
// tracker knows which undo each one owns.
func WithTracker(t *xactundo.Tracker) Option {
	return func(a *Appender) { a.tracker = t }
}

// New creates an appender writing through sets and logging to w.
func New(sets *recordset.Manager, w Inserter, opts ...Option) *Appender {
	a := &Appender{sets: sets, wal: w, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func payload(text string) ([]byte, error) {
	if strings.IndexByte(text, 0) >= 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("text must not contain NUL bytes")
	}
	b := make([]byte, len(text)+1)
	copy(b, text)
	return b, nil
}

func (a *Appender) begin() (xactundo.Xid, error) {
	if a.tracker == nil {
		return xactundo.InvalidXid, nil
	}
	return a.tracker.Begin()
}

func (a *Appender) attach(xid xactundo.Xid, rs *recordset.RecordSet) error {
	if a.tracker == nil {
		return nil
	}
	return a.tracker.Attach(xid, rs.Start())
}

func (a *Appender) commit(xid xactundo.Xid) {
	if a.tracker == nil {
		return
	}
	if err := a.tracker.Commit(xid); err != nil {
		a.logger.Warn("commit text undo transaction", "xid", uint64(xid), "error", err)
	}
}

// Active reports whether a record set is open.
func (a *Appender) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil
}

// Create opens a record set with persistence "p", "t" or "u".
func (a *Appender) Create(persistence string) error {
	p, err := undolog.ParsePersistence(persistence)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur != nil {
		return domain.ErrAlreadyActive.WithDetails(a.cur.String())
	}

	rs, err := a.sets.Create(recordset.TypeText, p)
	if err != nil {
		return err
	}
	xid, err := a.begin()
	if err != nil {
		_ = rs.Discard()
		return err
	}
	a.cur, a.xid = rs, xid
	return nil
}

// Write appends text and a terminating NUL to the active record set and
// returns where it went.
func (a *Appender) Write(text string) (undolog.RecPtr, error) {
	data, err := payload(text)
	if err != nil {
		return undolog.InvalidRecPtr, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rs := a.cur
	if rs == nil {
		return undolog.InvalidRecPtr, domain.ErrNoActiveSet.WithDetails("create a record set first")
	}

	if _, err := rs.Allocate(uint64(len(data))); err != nil {
		return undolog.InvalidRecPtr, err
	}

	sec := critical.Enter()
	ins := a.wal.BeginInsert(sec)
	ptr := rs.Insert(ins, data)
	ins.RegisterData(data)
	lsn := ins.Finish(wal.RmgrText, OpString)
	rs.SetPageLSN(lsn)
	sec.End()

	rs.Release()

	return ptr, a.attach(a.xid, rs)
}

// Close marks the active record set closed. The closing rides on a small
// ping record.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rs := a.cur
	if rs == nil {
		return domain.ErrNoActiveSet.WithDetails("nothing to close")
	}

	if err := rs.PrepareToMarkClosed(); err != nil {
		return err
	}

	ping := make([]byte, 4)
	binary.LittleEndian.PutUint32(ping, pingPayload)

	sec := critical.Enter()
	ins := a.wal.BeginInsert(sec)
	rs.MarkClosed(ins)
	ins.RegisterData(ping)
	lsn := ins.Finish(wal.RmgrText, OpPing)
	rs.SetPageLSN(lsn)
	sec.End()

	rs.Release()

	a.commit(a.xid)
	a.cur, a.xid = nil, xactundo.InvalidXid
	return nil
}

// CreateWriteClose creates a permanent record set, writes text into it and
// closes it with a single WAL record. The active set is not touched.
func (a *Appender) CreateWriteClose(text string) (undolog.RecPtr, error) {
	data, err := payload(text)
	if err != nil {
		return undolog.InvalidRecPtr, err
	}

	rs, err := a.sets.Create(recordset.TypeText, undolog.Permanent)
	if err != nil {
		return undolog.InvalidRecPtr, err
	}
	if _, err := rs.Allocate(uint64(len(data))); err != nil {
		_ = rs.Discard()
		return undolog.InvalidRecPtr, err
	}
	if err := rs.PrepareToMarkClosed(); err != nil {
		rs.Release()
		_ = rs.Discard()
		return undolog.InvalidRecPtr, err
	}
	xid, err := a.begin()
	if err != nil {
		rs.Release()
		_ = rs.Discard()
		return undolog.InvalidRecPtr, err
	}

	sec := critical.Enter()
	ins := a.wal.BeginInsert(sec)
	ptr := rs.Insert(ins, data)
	rs.MarkClosed(ins)
	ins.RegisterData(data)
	lsn := ins.Finish(wal.RmgrText, OpCreateWriteClose)
	rs.SetPageLSN(lsn)
	sec.End()

	rs.Release()

	if err := a.attach(xid, rs); err != nil {
		a.logger.Warn("attach text undo", "xid", uint64(xid), "error", err)
	}
	a.commit(xid)
	return ptr, nil
}

// Redo replays one RmgrText record. An unknown op code is fatal.
func (a *Appender) Redo(rec *wal.Record) error {
	switch rec.Info {
	case OpString:
		_, err := a.sets.InsertInRecovery(rec, text(rec.Data))
		return err
	case OpPing:
		return a.sets.UpdateInRecovery(rec)
	case OpCreateWriteClose:
		if _, err := a.sets.InsertInRecovery(rec, text(rec.Data)); err != nil {
			return err
		}
		return a.sets.UpdateInRecovery(rec)
	default:
		critical.Fatal(domain.ErrUnknownOperation.WithDetailf("text undo: op code %d in record at %s", rec.Info, rec.Start))
		return nil
	}
}

// text returns data up to and including its first NUL.
func text(data []byte) []byte {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return data[:i+1]
	}
	return data
}
