package recordset

import (
	"encoding/binary"
	"fmt"

	"github.com/yndnr/undocore/internal/undo/undolog"
)

// Type identifies the subsystem that owns a record set.
type Type uint8

const (
	TypeInvalid Type = iota
	// TypeText is used by the text appender.
	TypeText
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeInvalid:
		return "invalid"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// HeaderSize is the size of the header at the start of every record set.
const HeaderSize = 16

const flagClosed = 1

// Header is the on-page header of a record set.
type Header struct {
	Type        Type
	Persistence undolog.Persistence
	Closed      bool
	Size        uint64
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	b[0] = byte(h.Type)
	b[1] = byte(h.Persistence)
	if h.Closed {
		b[2] = flagClosed
	}
	binary.LittleEndian.PutUint64(b[8:], h.Size)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Type:        Type(b[0]),
		Persistence: undolog.Persistence(b[1]),
		Closed:      b[2]&flagClosed != 0,
		Size:        binary.LittleEndian.Uint64(b[8:]),
	}
}

// blockInfo is the block data registered on the header page of every
// record touching a set.
type blockInfo struct {
	flags       uint8
	typ         Type
	persistence undolog.Persistence
	start       undolog.RecPtr
	at          undolog.RecPtr
}

const (
	infoInsert = 1 << 0
	infoClose  = 1 << 1
)

const blockInfoSize = 20

func (bi blockInfo) encode() []byte {
	b := make([]byte, blockInfoSize)
	b[0] = bi.flags
	b[1] = byte(bi.typ)
	b[2] = byte(bi.persistence)
	binary.LittleEndian.PutUint64(b[4:], uint64(bi.start))
	binary.LittleEndian.PutUint64(b[12:], uint64(bi.at))
	return b
}

func decodeBlockInfo(b []byte) (blockInfo, bool) {
	if len(b) != blockInfoSize {
		return blockInfo{}, false
	}
	return blockInfo{
		flags:       b[0],
		typ:         Type(b[1]),
		persistence: undolog.Persistence(b[2]),
		start:       undolog.RecPtr(binary.LittleEndian.Uint64(b[4:])),
		at:          undolog.RecPtr(binary.LittleEndian.Uint64(b[12:])),
	}, true
}
