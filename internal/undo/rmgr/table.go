package rmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/telemetry/metric"
	"github.com/yndnr/undocore/internal/undo/critical"
)

// RedoFunc re-applies one record. It must be idempotent.
type RedoFunc func(rec *wal.Record) error

// RecordReader is the part of wal.Reader that replay uses.
type RecordReader interface {
	Seek(lsn wal.LSN) error
	Read() (*wal.Record, error)
}

type entry struct {
	name string
	redo RedoFunc
}

// Table holds the registered resource managers.
type Table struct {
	logger  *slog.Logger
	metrics *metric.Registry

	mu      sync.RWMutex
	entries map[wal.RmgrID]entry
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics counts replayed records per resource manager.
func WithMetrics(m *metric.Registry) Option {
	return func(t *Table) { t.metrics = m }
}

// NewTable returns a table with RmgrXLOG registered. Its records only
// mark positions in the log, so their redo does nothing.
func NewTable(opts ...Option) *Table {
	t := &Table{
		logger:  slog.Default(),
		entries: make(map[wal.RmgrID]entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.entries[wal.RmgrXLOG] = entry{name: "xlog", redo: func(*wal.Record) error { return nil }}
	return t
}

// Register adds a resource manager.
func (t *Table) Register(id wal.RmgrID, name string, redo RedoFunc) error {
	if id == wal.RmgrInvalid || redo == nil || name == "" {
		return domain.ErrInvalidArgument.WithDetailf("register resource manager %d %q", id, name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return domain.ErrInvalidArgument.WithDetailf("resource manager %d already registered as %q", id, e.name)
	}
	t.entries[id] = entry{name: name, redo: redo}
	return nil
}

// Name returns the registered name of id.
func (t *Table) Name(id wal.RmgrID) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e.name, ok
}

// Result summarises a replay.
type Result struct {
	Records int
	// End is the LSN just past the last replayed record, or the start
	// position when nothing was replayed.
	End wal.LSN
}

// Replay re-applies every record that starts at or after from. A record
// naming an unregistered resource manager is fatal. A redo function error
// stops replay and is returned.
func (t *Table) Replay(ctx context.Context, r RecordReader, from wal.LSN) (Result, error) {
	res := Result{End: from}
	if err := r.Seek(from); err != nil {
		return res, fmt.Errorf("rmgr: seek to %s: %w", from, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("rmgr: read after %s: %w", res.End, err)
		}

		t.mu.RLock()
		e, ok := t.entries[rec.Rmgr]
		t.mu.RUnlock()
		if !ok {
			critical.Fatal(domain.ErrUnknownResourceManager.WithDetailf(
				"resource manager %d in record at %s", rec.Rmgr, rec.Start))
		}

		if err := e.redo(rec); err != nil {
			return res, fmt.Errorf("rmgr: redo %s record at %s: %w", e.name, rec.Start, err)
		}
		t.metrics.IncRedo(e.name)
		res.Records++
		res.End = rec.LSN
	}

	t.logger.Info("replay finished", "from", from.String(), "end", res.End.String(), "records", res.Records)
	return res, nil
}
