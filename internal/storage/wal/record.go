package wal

import (
	"errors"
	"fmt"

	"github.com/yndnr/undocore/internal/undo/critical"
)

// File format constants.
const (
	// headerSize is the size of a frame header: length (4) + crc (4).
	headerSize = 8

	// minFrameLen is the smallest legal Length field: crc (4) + rmgr (1).
	minFrameLen = 5
)

// Errors for WAL frames.
var (
	ErrCorruptedEntry   = errors.New("wal: corrupted entry")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrInvalidRmgr      = errors.New("wal: invalid resource manager")
	ErrNeedCipher       = errors.New("wal: encrypted record requires cipher")
)

// RmgrID identifies the resource manager that owns a record.
type RmgrID uint8

const (
	RmgrInvalid RmgrID = iota
	// RmgrXLOG carries log-internal records such as checkpoint markers.
	RmgrXLOG
	// RmgrText is the text-appender exemplar.
	RmgrText
	// RmgrXact reserves transaction ids.
	RmgrXact
)

func (id RmgrID) String() string {
	switch id {
	case RmgrXLOG:
		return "xlog"
	case RmgrText:
		return "text"
	case RmgrXact:
		return "xact"
	case RmgrInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("rmgr(%d)", uint8(id))
	}
}

// BlockRef names an undo page registered with a record. Data is private
// to the resource manager that registered the page.
type BlockRef struct {
	Log   uint32 `json:"log"`
	Block uint32 `json:"blk"`
	Data  []byte `json:"data,omitempty"`
}

// Record is a decoded WAL record.
type Record struct {
	// Start is the position of the record's first byte.
	Start LSN
	// LSN is the position just past the record.
	LSN       LSN
	Rmgr      RmgrID
	Info      uint8
	Timestamp int64
	Data      []byte
	Blocks    []BlockRef
}

// Insertion composes one record inside a critical section.
type Insertion struct {
	w      *Writer
	sec    *critical.Section
	data   []byte
	blocks []BlockRef
	done   bool
}

// BeginInsert starts composing a record. sec must be live.
func (w *Writer) BeginInsert(sec *critical.Section) *Insertion {
	sec.MustBeLive("wal: begin insert")
	return &Insertion{w: w, sec: sec}
}

// RegisterData appends p to the record's data.
func (ins *Insertion) RegisterData(p []byte) {
	ins.sec.MustBeLive("wal: register data")
	if ins.done {
		critical.Fatalf("wal: register data on finished record")
	}
	ins.data = append(ins.data, p...)
}

// RegisterBlock registers a page modified by this record. Repeats are ignored.
func (ins *Insertion) RegisterBlock(log, block uint32) {
	ins.sec.MustBeLive("wal: register block")
	ins.block(log, block)
}

// RegisterBlockData registers a page and sets its data, replacing any
// data registered for it earlier in this record.
func (ins *Insertion) RegisterBlockData(log, block uint32, data []byte) {
	ins.sec.MustBeLive("wal: register block data")
	ins.block(log, block).Data = append([]byte(nil), data...)
}

func (ins *Insertion) block(log, block uint32) *BlockRef {
	for i := range ins.blocks {
		if ins.blocks[i].Log == log && ins.blocks[i].Block == block {
			return &ins.blocks[i]
		}
	}
	ins.blocks = append(ins.blocks, BlockRef{Log: log, Block: block})
	return &ins.blocks[len(ins.blocks)-1]
}

// Blocks returns the pages registered so far.
func (ins *Insertion) Blocks() []BlockRef {
	return ins.blocks
}

// Finish appends the record to the log and returns its LSN. The record is
// durable once FlushTo has been called with that LSN.
func (ins *Insertion) Finish(rmgr RmgrID, info uint8) LSN {
	ins.sec.MustBeLive("wal: finish insert")
	if ins.done {
		critical.Fatalf("wal: record finished twice")
	}
	ins.done = true
	return ins.w.insert(rmgr, info, ins.data, ins.blocks)
}
