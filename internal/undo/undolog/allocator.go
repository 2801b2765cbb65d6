package undolog

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/undo/checkpoint"
	"github.com/yndnr/undocore/internal/undo/shmem"
)

// Persistence is the durability class of an undo log.
type Persistence byte

const (
	Permanent Persistence = 'p'
	Temporary Persistence = 't'
	Unlogged  Persistence = 'u'
)

// ParsePersistence parses "p", "t" or "u".
func ParsePersistence(s string) (Persistence, error) {
	if len(s) == 1 {
		if p := Persistence(s[0]); p.Valid() {
			return p, nil
		}
	}
	return 0, domain.ErrInvalidArgument.WithDetailf("unknown persistence level %q", s)
}

// Valid reports whether p is a known persistence class.
func (p Persistence) Valid() bool {
	return p == Permanent || p == Temporary || p == Unlogged
}

func (p Persistence) String() string {
	switch p {
	case Permanent:
		return "permanent"
	case Temporary:
		return "temporary"
	case Unlogged:
		return "unlogged"
	}
	return fmt.Sprintf("Persistence(%d)", byte(p))
}

// SlotSize is the size of one log's control slot.
const SlotSize = 32

const headerSize = 8

// Slot layout.
const (
	offLog         = 0
	offPersistence = 4
	offFlags       = 5
	offInsert      = 8
	offDiscard     = 16
	offSize        = 24
)

const (
	flagInUse    = 1 << 0
	flagAttached = 1 << 1
	flagFull     = 1 << 2
)

// Defaults.
const (
	DefaultMaxLogs = 64
	DefaultLogSize = 1 << 30
)

// minFree is the space below which a detached log is retired.
const minFree = 64

// Config configures the allocator.
type Config struct {
	// MaxLogs bounds the number of live logs.
	MaxLogs int
	// LogSize is the capacity of each new log in bytes.
	LogSize uint64
}

// Slot describes one undo log.
type Slot struct {
	Log         uint32
	Persistence Persistence
	Insert      uint64
	Discard     uint64
	Size        uint64
	Attached    bool
	Full        bool
}

// Allocator hands out undo log space. It is the "undolog" checkpoint
// subsystem.
type Allocator struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	mem []byte
}

// New creates an allocator. It is usable after ShmemInit.
func New(cfg Config, logger *slog.Logger) *Allocator {
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = DefaultMaxLogs
	}
	if cfg.LogSize == 0 || cfg.LogSize > MaxOffset {
		cfg.LogSize = DefaultLogSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, logger: logger}
}

// Name implements undo.Subsystem.
func (a *Allocator) Name() string { return "undolog" }

// ShmemSize implements undo.Subsystem.
func (a *Allocator) ShmemSize() int { return headerSize + a.cfg.MaxLogs*SlotSize }

// ShmemInit implements undo.Subsystem.
func (a *Allocator) ShmemInit(region *shmem.Region) error {
	mem, found, err := region.Alloc(a.Name(), a.ShmemSize())
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mem = mem
	if !found {
		binary.LittleEndian.PutUint32(a.mem, 1)
	}
	return nil
}

func (a *Allocator) slot(i int) []byte {
	off := headerSize + i*SlotSize
	return a.mem[off : off+SlotSize]
}

func (a *Allocator) nextLog() uint32 { return binary.LittleEndian.Uint32(a.mem) }

func (a *Allocator) setNextLog(n uint32) { binary.LittleEndian.PutUint32(a.mem, n) }

func decodeSlot(s []byte) Slot {
	flags := s[offFlags]
	return Slot{
		Log:         binary.LittleEndian.Uint32(s[offLog:]),
		Persistence: Persistence(s[offPersistence]),
		Insert:      binary.LittleEndian.Uint64(s[offInsert:]),
		Discard:     binary.LittleEndian.Uint64(s[offDiscard:]),
		Size:        binary.LittleEndian.Uint64(s[offSize:]),
		Attached:    flags&flagAttached != 0,
		Full:        flags&flagFull != 0,
	}
}

func inUse(s []byte) bool { return s[offFlags]&flagInUse != 0 }

func putUint64(s []byte, off int, v uint64) { binary.LittleEndian.PutUint64(s[off:], v) }

func getUint64(s []byte, off int) uint64 { return binary.LittleEndian.Uint64(s[off:]) }

// findLocked returns the slot of log, or nil.
func (a *Allocator) findLocked(log uint32) []byte {
	for i := 0; i < a.cfg.MaxLogs; i++ {
		s := a.slot(i)
		if inUse(s) && binary.LittleEndian.Uint32(s[offLog:]) == log {
			return s
		}
	}
	return nil
}

// newLogLocked claims a free slot for log.
func (a *Allocator) newLogLocked(log uint32, p Persistence) ([]byte, error) {
	for i := 0; i < a.cfg.MaxLogs; i++ {
		s := a.slot(i)
		if inUse(s) {
			continue
		}
		clear(s)
		binary.LittleEndian.PutUint32(s[offLog:], log)
		s[offPersistence] = byte(p)
		s[offFlags] = flagInUse
		putUint64(s, offSize, a.cfg.LogSize)
		if log >= a.nextLog() {
			a.setNextLog(log + 1)
		}
		a.logger.Debug("undo log created", "log", log, "persistence", p.String())
		return s, nil
	}
	return nil, domain.ErrSpaceExhausted.WithDetailf("all %d undo log slots are in use", a.cfg.MaxLogs)
}

// Attach gives the caller exclusive use of a log of persistence p, reusing
// a detached log with free space or creating a new one.
func (a *Allocator) Attach(p Persistence) (uint32, error) {
	if !p.Valid() {
		return 0, domain.ErrInvalidArgument.WithDetailf("unknown persistence level %q", string(byte(p)))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return 0, domain.ErrInvalidState.WithDetails("undo log allocator is not initialized")
	}

	for i := 0; i < a.cfg.MaxLogs; i++ {
		s := a.slot(i)
		if !inUse(s) || s[offFlags]&(flagAttached|flagFull) != 0 || Persistence(s[offPersistence]) != p {
			continue
		}
		s[offFlags] |= flagAttached
		return binary.LittleEndian.Uint32(s[offLog:]), nil
	}

	s, err := a.newLogLocked(a.nextLog(), p)
	if err != nil {
		return 0, err
	}
	s[offFlags] |= flagAttached
	return binary.LittleEndian.Uint32(s[offLog:]), nil
}

// Reserve takes n bytes at the insert point of an attached log. When the
// log cannot hold them nothing changes and ErrSpaceExhausted is returned.
func (a *Allocator) Reserve(log uint32, n uint64) (RecPtr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.findLocked(log)
	if s == nil || s[offFlags]&flagAttached == 0 {
		return InvalidRecPtr, domain.ErrInvalidState.WithDetailf("undo log %d is not attached", log)
	}
	insert := getUint64(s, offInsert)
	size := getUint64(s, offSize)
	if insert+n > size {
		return InvalidRecPtr, domain.ErrSpaceExhausted.WithDetailf(
			"undo log %d: need %d bytes, %d free", log, n, size-insert)
	}
	putUint64(s, offInsert, insert+n)
	return MakeRecPtr(log, insert), nil
}

// Unreserve hands back the reservation starting at ptr, which must be the
// latest one on its attached log and never written.
func (a *Allocator) Unreserve(ptr RecPtr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.findLocked(ptr.Log())
	if s == nil || s[offFlags]&flagAttached == 0 {
		return
	}
	if ptr.Offset() < getUint64(s, offInsert) {
		putUint64(s, offInsert, ptr.Offset())
	}
}

// Detach ends the caller's use of log. A log with too little space left is
// retired.
func (a *Allocator) Detach(log uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.findLocked(log)
	if s == nil {
		return
	}
	s[offFlags] &^= flagAttached
	if getUint64(s, offSize)-getUint64(s, offInsert) < minFree {
		s[offFlags] |= flagFull
	}
}

// AdvanceInRecovery makes sure the log of ptr exists and its insert point
// is at or past ptr+n. Replay uses it to rebuild allocation state.
func (a *Allocator) AdvanceInRecovery(ptr RecPtr, n uint64, p Persistence) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.findLocked(ptr.Log())
	if s == nil {
		var err error
		if s, err = a.newLogLocked(ptr.Log(), p); err != nil {
			return err
		}
	}
	if end := ptr.Offset() + n; end > getUint64(s, offInsert) {
		putUint64(s, offInsert, end)
	}
	return nil
}

// Lookup returns the slot of log.
func (a *Allocator) Lookup(log uint32) (Slot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return Slot{}, false
	}
	s := a.findLocked(log)
	if s == nil {
		return Slot{}, false
	}
	return decodeSlot(s), true
}

// Slots returns every live log.
func (a *Allocator) Slots() []Slot {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Slot
	if a.mem == nil {
		return out
	}
	for i := 0; i < a.cfg.MaxLogs; i++ {
		if s := a.slot(i); inUse(s) {
			out = append(out, decodeSlot(s))
		}
	}
	return out
}

// CheckPoint implements undo.Subsystem: a uint32 slot count followed by
// the live slots. Attachment is process state and is not saved.
func (a *Allocator) CheckPoint(ctx *checkpoint.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var live [][]byte
	for i := 0; i < a.cfg.MaxLogs; i++ {
		if s := a.slot(i); inUse(s) {
			c := append([]byte(nil), s...)
			c[offFlags] &^= flagAttached
			live = append(live, c)
		}
	}

	if err := ctx.WriteUint32(uint32(len(live))); err != nil {
		return err
	}
	for _, s := range live {
		if err := ctx.Write(s); err != nil {
			return err
		}
	}
	return nil
}

// Startup implements undo.Subsystem.
func (a *Allocator) Startup(ctx *checkpoint.Context) error {
	n, err := ctx.ReadUint32()
	if err != nil {
		return err
	}
	if int(n) > a.cfg.MaxLogs {
		return domain.ErrCorruptedCheckpoint.WithDetailf(
			"%s: %d undo logs saved, at most %d configured", ctx.Path(), n, a.cfg.MaxLogs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	clear(a.mem)
	next := uint32(1)
	for i := 0; i < int(n); i++ {
		s := a.slot(i)
		if err := ctx.Read(s); err != nil {
			return err
		}
		if log := binary.LittleEndian.Uint32(s[offLog:]); log >= next {
			next = log + 1
		}
	}
	a.setNextLog(next)

	a.logger.Debug("undo logs restored", "count", n, "next_log", next)
	return nil
}

// AtProcExit implements undo.Subsystem: every attached log is detached.
func (a *Allocator) AtProcExit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return
	}
	for i := 0; i < a.cfg.MaxLogs; i++ {
		a.slot(i)[offFlags] &^= flagAttached
	}
}
