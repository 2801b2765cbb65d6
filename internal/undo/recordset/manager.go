package recordset

import (
	"encoding/binary"
	"log/slog"
	"sort"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/pagestore"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/shmem"
	"github.com/yndnr/undocore/internal/undo/undolog"
)

// Orphan is a record set that was open when the last checkpoint was taken.
type Orphan struct {
	Start       undolog.RecPtr
	Type        Type
	Persistence undolog.Persistence
}

const orphanSize = 12

// Manager creates record sets and tracks the open ones. It is the
// "recordset" checkpoint subsystem.
type Manager struct {
	alloc  *undolog.Allocator
	pages  *pagestore.Store
	logger *slog.Logger

	mu      sync.Mutex
	open    map[uint64]*RecordSet
	nextID  uint64
	orphans []Orphan
	mem     []byte
}

// NewManager creates a manager over alloc and pages.
func NewManager(alloc *undolog.Allocator, pages *pagestore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		alloc:  alloc,
		pages:  pages,
		logger: logger,
		open:   make(map[uint64]*RecordSet),
		nextID: 1,
	}
}

// Create starts a record set of type typ and persistence p, attaching an
// undo log to it.
func (m *Manager) Create(typ Type, p undolog.Persistence) (*RecordSet, error) {
	if typ == TypeInvalid {
		return nil, domain.ErrInvalidArgument.WithDetails("record set type is required")
	}
	if !p.Valid() {
		return nil, domain.ErrInvalidArgument.WithDetailf("unknown persistence level %q", string(byte(p)))
	}
	log, err := m.alloc.Attach(p)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rs := &RecordSet{m: m, id: m.nextID, typ: typ, persistence: p, log: log}
	m.nextID++
	m.open[rs.id] = rs
	m.count(0)
	return rs, nil
}

func (m *Manager) forget(rs *RecordSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, rs.id)
	m.count(8)
}

// count bumps the created (0) or closed (8) counter in shared memory.
func (m *Manager) count(off int) {
	if m.mem == nil {
		return
	}
	binary.LittleEndian.PutUint64(m.mem[off:], binary.LittleEndian.Uint64(m.mem[off:])+1)
}

// Counters returns how many sets were created and closed by this process.
func (m *Manager) Counters() (created, closed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, 0
	}
	return binary.LittleEndian.Uint64(m.mem), binary.LittleEndian.Uint64(m.mem[8:])
}

// OpenCount returns the number of open record sets.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Orphans returns the sets restored from the checkpoint as open.
func (m *Manager) Orphans() []Orphan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Orphan(nil), m.orphans...)
}

// ReadData returns the header and payload of the record set at start.
func (m *Manager) ReadData(start undolog.RecPtr) (Header, []byte, error) {
	hbufs, err := m.pinPages(start.Log(), pageSet(start.Offset(), 0, 0))
	if err != nil {
		return Header{}, nil, err
	}
	h := readHeader(hbufs, start.Offset())
	m.releasePages(hbufs)

	if h.Type == TypeInvalid {
		return Header{}, nil, domain.ErrInvalidArgument.WithDetailf("no record set at %s", start)
	}

	at := start.Offset() + HeaderSize
	data := make([]byte, h.Size)
	if h.Size > 0 {
		bufs, err := m.pinPages(start.Log(), blockRange(nil, at, h.Size))
		if err != nil {
			return Header{}, nil, err
		}
		copyIn(bufs, at, data)
		m.releasePages(bufs)
	}
	return h, data, nil
}

// Name implements undo.Subsystem.
func (m *Manager) Name() string { return "recordset" }

// ShmemSize implements undo.Subsystem.
func (m *Manager) ShmemSize() int { return 16 }

// ShmemInit implements undo.Subsystem.
func (m *Manager) ShmemInit(region *shmem.Region) error {
	mem, _, err := region.Alloc(m.Name(), m.ShmemSize())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.mem = mem
	m.mu.Unlock()
	return nil
}

// CheckPoint implements undo.Subsystem: a uint32 count followed by the
// start, type and persistence of every open set that has space.
func (m *Manager) CheckPoint(ctx *checkpoint.Context) error {
	m.mu.Lock()
	var sets []*RecordSet
	for _, rs := range m.open {
		if rs.start != undolog.InvalidRecPtr {
			sets = append(sets, rs)
		}
	}
	m.mu.Unlock()
	sort.Slice(sets, func(i, j int) bool { return sets[i].start < sets[j].start })

	if err := ctx.WriteUint32(uint32(len(sets))); err != nil {
		return err
	}
	buf := make([]byte, orphanSize)
	for _, rs := range sets {
		binary.LittleEndian.PutUint64(buf, uint64(rs.start))
		buf[8] = byte(rs.typ)
		buf[9] = byte(rs.persistence)
		if err := ctx.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// Startup implements undo.Subsystem.
func (m *Manager) Startup(ctx *checkpoint.Context) error {
	n, err := ctx.ReadUint32()
	if err != nil {
		return err
	}
	if rem := ctx.Remaining(); rem >= 0 && int64(n)*orphanSize > rem {
		return domain.ErrCorruptedCheckpoint.WithDetailf(
			"file %q claims %d open record sets, only %d bytes left", ctx.Path(), n, rem)
	}
	orphans := make([]Orphan, 0, n)
	buf := make([]byte, orphanSize)
	for i := uint32(0); i < n; i++ {
		if err := ctx.Read(buf); err != nil {
			return err
		}
		orphans = append(orphans, Orphan{
			Start:       undolog.RecPtr(binary.LittleEndian.Uint64(buf)),
			Type:        Type(buf[8]),
			Persistence: undolog.Persistence(buf[9]),
		})
	}

	m.mu.Lock()
	m.orphans = orphans
	m.mu.Unlock()

	if len(orphans) > 0 {
		m.logger.Warn("record sets were open at checkpoint", "count", len(orphans))
	}
	return nil
}

// AtProcExit implements undo.Subsystem: open sets drop their pages and
// logs.
func (m *Manager) AtProcExit() {
	m.mu.Lock()
	sets := make([]*RecordSet, 0, len(m.open))
	for _, rs := range m.open {
		sets = append(sets, rs)
	}
	m.open = make(map[uint64]*RecordSet)
	m.mu.Unlock()

	for _, rs := range sets {
		m.releasePages(rs.bufs)
		rs.bufs = nil
		m.alloc.Detach(rs.log)
		rs.state = StateReleased
	}
	if len(sets) > 0 {
		m.logger.Info("released open record sets at exit", "count", len(sets))
	}
}
