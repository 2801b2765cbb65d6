package wal

import (
	"fmt"
	"strconv"
	"strings"
)

// LSN is a WAL position: segmentID<<32 | offsetWithinSegment.
type LSN uint64

// InvalidLSN is the zero position; no record ends there.
const InvalidLSN LSN = 0

// MakeLSN builds an LSN from a segment id and an offset within it.
func MakeLSN(segmentID uint64, offset int64) LSN {
	return LSN(segmentID<<32 | uint64(uint32(offset)))
}

// Segment returns the segment id.
func (l LSN) Segment() uint64 { return uint64(l) >> 32 }

// Offset returns the offset within the segment.
func (l LSN) Offset() int64 { return int64(uint32(l)) }

// String formats the LSN as HI/LO hex.
func (l LSN) String() string {
	return fmt.Sprintf("%X/%08X", uint64(l)>>32, uint32(l))
}

// ParseLSN parses either the HI/LO form produced by String or a plain hex
// number such as a checkpoint file name.
func ParseLSN(s string) (LSN, error) {
	s = strings.TrimSpace(s)
	if hi, lo, ok := strings.Cut(s, "/"); ok {
		h, err := strconv.ParseUint(hi, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("wal: parse lsn %q: %w", s, err)
		}
		l, err := strconv.ParseUint(lo, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("wal: parse lsn %q: %w", s, err)
		}
		return LSN(h<<32 | l), nil
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("wal: parse lsn %q: %w", s, err)
	}
	return LSN(v), nil
}
