package undolog

import (
	"fmt"
	"strconv"
)

// OffsetBits is the number of bits of a RecPtr holding the byte offset.
const OffsetBits = 40

// MaxOffset is the largest byte offset within one log.
const MaxOffset = 1<<OffsetBits - 1

// RecPtr locates a byte in the undo log space: logNo<<40 | offset.
type RecPtr uint64

// InvalidRecPtr is the zero pointer. Log numbers start at 1.
const InvalidRecPtr RecPtr = 0

// MakeRecPtr builds a pointer.
func MakeRecPtr(log uint32, off uint64) RecPtr {
	return RecPtr(uint64(log)<<OffsetBits | off&MaxOffset)
}

// Log returns the log number.
func (p RecPtr) Log() uint32 { return uint32(uint64(p) >> OffsetBits) }

// Offset returns the byte offset within the log.
func (p RecPtr) Offset() uint64 { return uint64(p) & MaxOffset }

// Add returns p advanced by n bytes within the same log.
func (p RecPtr) Add(n uint64) RecPtr { return MakeRecPtr(p.Log(), p.Offset()+n) }

func (p RecPtr) String() string {
	return fmt.Sprintf("%06X%010X", p.Log(), p.Offset())
}

// ParseRecPtr parses the String form.
func ParseRecPtr(s string) (RecPtr, error) {
	if len(s) != 16 {
		return InvalidRecPtr, fmt.Errorf("undolog: invalid record pointer %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return InvalidRecPtr, fmt.Errorf("undolog: invalid record pointer %q: %w", s, err)
	}
	return RecPtr(v), nil
}
