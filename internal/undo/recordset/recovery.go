package recordset

import (
	"github.com/yndnr/undocore/internal/core/domain"
	"github.com/yndnr/undocore/internal/storage/pagestore"
	"github.com/yndnr/undocore/internal/storage/wal"
	"github.com/yndnr/undocore/internal/undo/undolog"
)

func findInfo(rec *wal.Record, want uint8) (blockInfo, error) {
	for _, b := range rec.Blocks {
		if info, ok := decodeBlockInfo(b.Data); ok && info.flags&want != 0 {
			return info, nil
		}
	}
	return blockInfo{}, domain.ErrInvalidArgument.WithDetailf("WAL record at %s carries no record set block data", rec.Start)
}

// needsRedo reports whether b has not yet seen the change made by rec.
// Replaying a change the page already holds is harmless, so only pages
// stamped past rec are skipped.
func needsRedo(rec *wal.Record) func(*pagestore.Buffer) bool {
	return func(b *pagestore.Buffer) bool { return b.LSN() <= rec.LSN }
}

func (m *Manager) stamp(bufs []*pagestore.Buffer, rec *wal.Record) {
	apply := needsRedo(rec)
	for _, b := range bufs {
		if apply(b) {
			b.SetLSN(rec.LSN)
			b.MarkDirty()
		}
	}
}

// InsertInRecovery replays an insert described by rec: data goes where the
// original Insert put it, and the header's size is advanced to cover it.
func (m *Manager) InsertInRecovery(rec *wal.Record, data []byte) (undolog.RecPtr, error) {
	info, err := findInfo(rec, infoInsert)
	if err != nil {
		return undolog.InvalidRecPtr, err
	}
	n := uint64(len(data))
	if err := m.alloc.AdvanceInRecovery(info.start, HeaderSize, info.persistence); err != nil {
		return undolog.InvalidRecPtr, err
	}
	if err := m.alloc.AdvanceInRecovery(info.at, n, info.persistence); err != nil {
		return undolog.InvalidRecPtr, err
	}

	start := info.start.Offset()
	bufs, err := m.pinPages(info.start.Log(), pageSet(start, info.at.Offset(), n))
	if err != nil {
		return undolog.InvalidRecPtr, err
	}
	defer m.releasePages(bufs)

	apply := needsRedo(rec)
	copyOut(bufs, info.at.Offset(), data, apply)

	h := readHeader(bufs, start)
	h.Type = info.typ
	h.Persistence = info.persistence
	if end := info.at.Offset() + n - (start + HeaderSize); end > h.Size {
		h.Size = end
	}
	copyOut(bufs, start, h.encode(), apply)

	m.stamp(bufs, rec)
	return info.at, nil
}

// UpdateInRecovery replays the closing of a record set described by rec.
func (m *Manager) UpdateInRecovery(rec *wal.Record) error {
	info, err := findInfo(rec, infoClose)
	if err != nil {
		return err
	}
	if err := m.alloc.AdvanceInRecovery(info.start, HeaderSize, info.persistence); err != nil {
		return err
	}

	start := info.start.Offset()
	bufs, err := m.pinPages(info.start.Log(), pageSet(start, 0, 0))
	if err != nil {
		return err
	}
	defer m.releasePages(bufs)

	h := readHeader(bufs, start)
	h.Type = info.typ
	h.Persistence = info.persistence
	h.Closed = true
	copyOut(bufs, start, h.encode(), needsRedo(rec))

	m.stamp(bufs, rec)
	return nil
}
