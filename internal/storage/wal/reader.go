package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

// ErrCorrupted is returned for a finalized segment too short to be valid.
var ErrCorrupted = errors.New("wal: corrupted segment")

// Reader reads WAL records across all segments in log order.
type Reader struct {
	dir    string
	fs     fsys.FileSystem
	cipher *adaptive.Cipher

	segments []segmentInfo
	segIndex int
	startAt  int64

	file   fsys.File
	reader *bufio.Reader
	segID  uint64
	pos    int64
}

// NewReader creates a reader for the WAL in dir. cipher may be nil when the
// log is not encrypted.
func NewReader(dir string, cipher *adaptive.Cipher) (*Reader, error) {
	return NewReaderFS(fsys.Default, dir, cipher)
}

// NewReaderFS is NewReader over an explicit file system.
func NewReaderFS(fs fsys.FileSystem, dir string, cipher *adaptive.Cipher) (*Reader, error) {
	fs = fsys.OrDefault(fs)
	segs, err := listSegments(fs, dir)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, fs: fs, cipher: cipher, segments: segs}, nil
}

// Seek positions the reader so the next record read is the first one that
// starts at or after lsn.
func (r *Reader) Seek(lsn LSN) error {
	r.closeCurrent()

	i := 0
	for ; i < len(r.segments); i++ {
		if r.segments[i].id >= lsn.Segment() {
			break
		}
	}
	r.segIndex = i
	r.startAt = 0
	if i < len(r.segments) && r.segments[i].id == lsn.Segment() && lsn.Offset() > MagicBytesSize {
		r.startAt = lsn.Offset()
	}
	return nil
}

// Read returns the next record, or io.EOF at the end of the log. A torn or
// corrupt frame ends its segment.
func (r *Reader) Read() (*Record, error) {
	for {
		if r.reader == nil {
			if err := r.openNextSegment(); err != nil {
				if errors.Is(err, errInvalidMagic) || errors.Is(err, ErrCorrupted) {
					continue
				}
				return nil, err
			}
		}

		rec, err := r.readOne()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
				errors.Is(err, ErrCorruptedEntry) || errors.Is(err, ErrChecksumMismatch) {
				r.closeCurrent()
				continue
			}
			return nil, err
		}
		return rec, nil
	}
}

// ReadAll reads all remaining records.
func (r *Reader) ReadAll() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, rec)
	}
}

// Close closes any open segment file.
func (r *Reader) Close() error {
	return r.closeCurrent()
}

func (r *Reader) openNextSegment() error {
	r.closeCurrent()

	if r.segIndex >= len(r.segments) {
		return io.EOF
	}

	seg := r.segments[r.segIndex]
	r.segIndex++
	startAt := r.startAt
	r.startAt = 0

	f, err := r.fs.OpenFile(seg.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}

	closed, dataLen, err := verifyChecksumTrailer(f, stat.Size())
	if err != nil {
		f.Close()
		return err
	}
	if closed && dataLen < MagicBytesSize {
		f.Close()
		return ErrCorrupted
	}

	if startAt < MagicBytesSize {
		startAt = MagicBytesSize
	}
	if startAt > dataLen {
		startAt = dataLen
	}

	r.file = f
	r.segID = seg.id
	r.pos = startAt
	r.reader = bufio.NewReader(io.NewSectionReader(f, startAt, dataLen-startAt))
	return nil
}

func (r *Reader) closeCurrent() error {
	r.reader = nil
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

func (r *Reader) readOne() (*Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.reader, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < minFrameLen {
		return nil, ErrCorruptedEntry
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r.reader, frame); err != nil {
		return nil, err
	}

	start := MakeLSN(r.segID, r.pos)
	rec, err := decodeFrame(start, frame, r.cipher)
	if err != nil {
		return nil, err
	}
	r.pos += 4 + int64(length)
	rec.LSN = MakeLSN(r.segID, r.pos)
	return rec, nil
}
