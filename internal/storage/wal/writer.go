package wal

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yndnr/undocore/internal/infra/fsys"
	"github.com/yndnr/undocore/internal/telemetry/metric"
	"github.com/yndnr/undocore/internal/undo/critical"
	"github.com/yndnr/undocore/pkg/crypto/adaptive"
)

var (
	errInvalidMagic    = errors.New("wal: invalid magic bytes")
	errChecksumInvalid = errors.New("wal: checksum mismatch")
	errWriterClosed    = errors.New("wal: writer is closed")
)

// File format constants.
const (
	FilePrefix      = "wal-"
	FileExtension   = ".log"
	MagicBytes      = "UNDOWAL\x01"
	MagicBytesSize  = 8
	ChecksumSize    = 32
	DefaultFilePerm = 0600
	DefaultDirPerm  = 0750
)

// Default configuration values.
const (
	DefaultBatchCount          = 100
	DefaultBatchBytes    int64 = 1 << 20 // 1MB
	DefaultSyncInterval        = 200 * time.Millisecond
	DefaultMaxFileSize   int64 = 64 << 20 // 64MB
	DefaultMaxEntryCount       = 100000

	// maxSegmentSize keeps offsets inside the low 32 bits of an LSN.
	maxSegmentSize int64 = 1<<32 - 1
)

// SyncMode defines how WAL syncs to disk.
type SyncMode string

const (
	// SyncModeSync writes and fsyncs every record as it is inserted.
	SyncModeSync SyncMode = "sync"
	// SyncModeBatch buffers records until a threshold, the sync loop or FlushTo.
	SyncModeBatch SyncMode = "batch"
)

// Config configures the WAL writer.
type Config struct {
	Dir string

	SyncMode     SyncMode
	SyncInterval time.Duration

	BatchCount int
	BatchBytes int64

	MaxFileSize   int64
	MaxEntryCount int

	Cipher  *adaptive.Cipher
	FS      fsys.FileSystem
	Logger  *slog.Logger
	Metrics *metric.Registry
}

// DefaultConfig returns the default WAL configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		SyncMode:      SyncModeBatch,
		SyncInterval:  DefaultSyncInterval,
		BatchCount:    DefaultBatchCount,
		BatchBytes:    DefaultBatchBytes,
		MaxFileSize:   DefaultMaxFileSize,
		MaxEntryCount: DefaultMaxEntryCount,
	}
}

type pendingFrame struct {
	segment uint64
	frame   []byte
	end     LSN
}

// Writer appends records to WAL segment files.
type Writer struct {
	cfg Config
	fs  fsys.FileSystem
	log *slog.Logger

	mu sync.Mutex

	// Write side: the segment file currently open.
	segmentID uint64
	file      fsys.File
	filePath  string
	fileSize  int64 // bytes written excluding trailing checksum
	hash      hash.Hash

	// Insert side: where the next record goes.
	insertSeg     uint64
	insertOff     int64
	insertEntries int
	inserted      uint64

	pending      []pendingFrame
	pendingBytes int64
	flushed      LSN

	syncTicker *time.Ticker
	stopCh     chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

// NewWriter opens the WAL in cfg.Dir, continuing the latest open segment.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("wal: dir is required")
	}
	applyDefaults(&cfg)

	if err := cfg.FS.MkdirAll(cfg.Dir, DefaultDirPerm); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		fs:     cfg.FS,
		log:    cfg.Logger,
		hash:   sha256.New(),
		stopCh: make(chan struct{}),
	}

	latestID, latestPath, state, err := findLatestSegment(w.fs, cfg.Dir)
	if err != nil {
		return nil, err
	}

	switch {
	case latestID == 0 || state == segmentClosed:
		w.segmentID = latestID + 1
		if err := w.openNewSegment(); err != nil {
			return nil, err
		}
	case state == segmentHeaderless:
		// Crashed while creating the segment; nothing in it was ever flushed.
		w.segmentID = latestID
		if err := w.openNewSegment(); err != nil {
			return nil, err
		}
	default:
		w.segmentID = latestID
		w.filePath = latestPath
		if err := w.openExistingOpenSegment(); err != nil {
			return nil, err
		}
	}

	w.insertSeg = w.segmentID
	w.insertOff = w.fileSize
	w.flushed = MakeLSN(w.segmentID, w.fileSize)

	if w.cfg.SyncMode == SyncModeBatch {
		w.startSyncLoop()
	}

	w.log.Debug("wal opened", "dir", cfg.Dir, "segment", w.segmentID, "insert_lsn", w.flushed.String())
	return w, nil
}

func applyDefaults(cfg *Config) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeBatch
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.BatchCount == 0 {
		cfg.BatchCount = DefaultBatchCount
	}
	if cfg.BatchBytes == 0 {
		cfg.BatchBytes = DefaultBatchBytes
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.MaxFileSize > maxSegmentSize {
		cfg.MaxFileSize = maxSegmentSize
	}
	if cfg.MaxEntryCount == 0 {
		cfg.MaxEntryCount = DefaultMaxEntryCount
	}
	cfg.FS = fsys.OrDefault(cfg.FS)
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Dir returns the WAL directory.
func (w *Writer) Dir() string { return w.cfg.Dir }

// InsertPosition returns the LSN the next record will start at. It is the
// redo point for a checkpoint taken now.
func (w *Writer) InsertPosition() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return MakeLSN(w.insertSeg, w.insertOff)
}

// FlushedLSN returns the position up to which the log is durable.
func (w *Writer) FlushedLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushed
}

// InsertedBytes returns the number of frame bytes inserted since open.
func (w *Writer) InsertedBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inserted
}

// insert is called by Insertion.Finish inside a critical section; every
// failure is fatal.
func (w *Writer) insert(rmgr RmgrID, info uint8, data []byte, blocks []BlockRef) LSN {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		critical.Fatal(errWriterClosed)
	}

	rec := &Record{
		Rmgr:      rmgr,
		Info:      info,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
		Blocks:    blocks,
	}

	start := MakeLSN(w.insertSeg, w.insertOff)
	frame, err := encodeFrame(start, rec, w.cfg.Cipher)
	if err != nil {
		critical.Fatalf("wal: encode record: %w", err)
	}

	// Rotation is decided here so the returned LSN stays valid.
	if w.insertOff > MagicBytesSize &&
		(w.insertOff+int64(len(frame)) > w.cfg.MaxFileSize || w.insertEntries >= w.cfg.MaxEntryCount) {
		w.insertSeg++
		w.insertOff = MagicBytesSize
		w.insertEntries = 0
		start = MakeLSN(w.insertSeg, w.insertOff)
		if frame, err = encodeFrame(start, rec, w.cfg.Cipher); err != nil {
			critical.Fatalf("wal: encode record: %w", err)
		}
	}
	if w.insertOff+int64(len(frame)) > maxSegmentSize {
		critical.Fatalf("wal: record of %d bytes does not fit a segment", len(frame))
	}

	w.insertOff += int64(len(frame))
	w.insertEntries++
	w.inserted += uint64(len(frame))
	end := MakeLSN(w.insertSeg, w.insertOff)

	w.pending = append(w.pending, pendingFrame{segment: w.insertSeg, frame: frame, end: end})
	w.pendingBytes += int64(len(frame))
	w.cfg.Metrics.IncWALRecords()

	if w.cfg.SyncMode == SyncModeSync ||
		len(w.pending) >= w.cfg.BatchCount || w.pendingBytes >= w.cfg.BatchBytes {
		if err := w.flushLocked(); err != nil {
			critical.Fatalf("wal: flush at %s: %w", end, err)
		}
	}
	return end
}

// FlushTo makes the log durable at least through lsn.
func (w *Writer) FlushTo(lsn LSN) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if lsn <= w.flushed {
		return nil
	}
	if lsn > MakeLSN(w.insertSeg, w.insertOff) {
		return fmt.Errorf("wal: flush request %s beyond insert position %s", lsn, MakeLSN(w.insertSeg, w.insertOff))
	}
	return w.flushLocked()
}

// Flush writes and syncs all buffered records.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	if w.file == nil {
		return fmt.Errorf("wal: file not open")
	}

	start := time.Now()
	written := 0

	var buf bytes.Buffer
	i := 0
	for i < len(w.pending) {
		seg := w.pending[i].segment
		if seg != w.segmentID {
			if err := w.finalizeSegmentLocked(); err != nil {
				return err
			}
			w.segmentID = seg
			if err := w.openNewSegment(); err != nil {
				return err
			}
		}

		buf.Reset()
		j := i
		for ; j < len(w.pending) && w.pending[j].segment == seg; j++ {
			buf.Write(w.pending[j].frame)
		}
		if _, err := w.writeLocked(buf.Bytes()); err != nil {
			return fmt.Errorf("wal: write batch: %w", err)
		}
		written += buf.Len()
		i = j
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}

	w.flushed = w.pending[len(w.pending)-1].end
	w.pending = w.pending[:0]
	w.pendingBytes = 0
	w.cfg.Metrics.ObserveWALFlush(written, time.Since(start))
	return nil
}

func (w *Writer) startSyncLoop() {
	w.syncTicker = time.NewTicker(w.cfg.SyncInterval)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.syncTicker.C:
				if err := w.Flush(); err != nil {
					w.log.Error("wal background flush failed", "error", err)
				}
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *Writer) openNewSegment() error {
	path := filepath.Join(w.cfg.Dir, formatSegmentFilename(w.segmentID))
	file, err := w.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}

	w.file = file
	w.filePath = path
	w.fileSize = 0
	w.hash = sha256.New()

	if _, err := w.writeLocked([]byte(MagicBytes)); err != nil {
		file.Close()
		w.file = nil
		return fmt.Errorf("wal: write magic: %w", err)
	}
	if err := w.fs.SyncDir(w.cfg.Dir); err != nil {
		return fmt.Errorf("wal: sync dir: %w", err)
	}
	return nil
}

func (w *Writer) openExistingOpenSegment() error {
	file, err := w.fs.OpenFile(w.filePath, os.O_RDWR, DefaultFilePerm)
	if err != nil {
		return fmt.Errorf("wal: open existing segment: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("wal: stat segment: %w", err)
	}

	closed, dataLen, err := verifyChecksumTrailer(file, stat.Size())
	if err != nil {
		file.Close()
		return err
	}
	if closed {
		file.Close()
		return fmt.Errorf("wal: latest segment already finalized")
	}

	// Anything after the last intact frame is a torn write from a crash.
	validEnd, err := scanValidEnd(file, dataLen)
	if err != nil {
		file.Close()
		return err
	}
	if validEnd < stat.Size() {
		file.Close()
		w.log.Warn("truncating torn wal tail", "segment", w.filePath, "from", stat.Size(), "to", validEnd)
		if err := w.fs.Truncate(w.filePath, validEnd); err != nil {
			return fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		if file, err = w.fs.OpenFile(w.filePath, os.O_RDWR, DefaultFilePerm); err != nil {
			return fmt.Errorf("wal: reopen segment: %w", err)
		}
	}

	w.hash = sha256.New()
	if _, err := io.Copy(w.hash, io.NewSectionReader(file, 0, validEnd)); err != nil {
		file.Close()
		return fmt.Errorf("wal: hash existing segment: %w", err)
	}

	if _, err := file.Seek(validEnd, io.SeekStart); err != nil {
		file.Close()
		return fmt.Errorf("wal: seek: %w", err)
	}

	w.file = file
	w.fileSize = validEnd
	return nil
}

// scanValidEnd returns the offset just past the last frame whose CRC checks.
func scanValidEnd(r io.ReaderAt, dataLen int64) (int64, error) {
	pos := int64(MagicBytesSize)
	var lenBuf [4]byte
	for pos+4 <= dataLen {
		if _, err := r.ReadAt(lenBuf[:], pos); err != nil {
			return 0, fmt.Errorf("wal: scan segment: %w", err)
		}
		length := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if length < minFrameLen || pos+4+length > dataLen {
			break
		}
		frame := make([]byte, length)
		if _, err := r.ReadAt(frame, pos+4); err != nil {
			return 0, fmt.Errorf("wal: scan segment: %w", err)
		}
		if checkFrame(frame) != nil {
			break
		}
		pos += 4 + length
	}
	return pos, nil
}

func (w *Writer) writeLocked(p []byte) (int, error) {
	if w.file == nil {
		return 0, fmt.Errorf("wal: file not open")
	}

	n, err := w.file.Write(p)
	if n > 0 {
		w.hash.Write(p[:n])
		w.fileSize += int64(n)
	}
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

func (w *Writer) finalizeSegmentLocked() error {
	checksum := w.hash.Sum(nil)
	if len(checksum) != ChecksumSize {
		return fmt.Errorf("wal: invalid sha256 size: %d", len(checksum))
	}

	if _, err := w.file.Write(checksum); err != nil {
		return fmt.Errorf("wal: write checksum: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close: %w", err)
	}

	w.file = nil
	return nil
}

// Close flushes pending records and finalizes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.stopCh)
	w.mu.Unlock()

	if w.syncTicker != nil {
		w.syncTicker.Stop()
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	if w.file == nil {
		return nil
	}
	return w.finalizeSegmentLocked()
}

func formatSegmentFilename(segmentID uint64) string {
	return fmt.Sprintf("%s%08d%s", FilePrefix, segmentID, FileExtension)
}

func parseSegmentFilename(name string) (uint64, bool) {
	if !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, FileExtension) {
		return 0, false
	}
	var id uint64
	_, err := fmt.Sscanf(name, FilePrefix+"%d"+FileExtension, &id)
	return id, err == nil
}

type segmentInfo struct {
	id   uint64
	path string
}

func listSegments(fs fsys.FileSystem, dir string) ([]segmentInfo, error) {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: read dir: %w", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := parseSegmentFilename(e.Name())
		if !ok {
			continue
		}
		segs = append(segs, segmentInfo{id: id, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].id < segs[j].id })
	return segs, nil
}

type segmentState int

const (
	segmentOpen segmentState = iota
	segmentClosed
	segmentHeaderless
)

func findLatestSegment(fs fsys.FileSystem, dir string) (latestID uint64, latestPath string, state segmentState, err error) {
	segs, err := listSegments(fs, dir)
	if err != nil || len(segs) == 0 {
		return 0, "", segmentOpen, err
	}

	last := segs[len(segs)-1]
	f, err := fs.OpenFile(last.path, os.O_RDONLY, 0)
	if err != nil {
		return 0, "", segmentOpen, fmt.Errorf("wal: open latest: %w", err)
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		return 0, "", segmentOpen, fmt.Errorf("wal: stat latest: %w", err)
	}
	if stat.Size() < MagicBytesSize {
		return last.id, last.path, segmentHeaderless, nil
	}

	closed, _, err := verifyChecksumTrailer(f, stat.Size())
	if err != nil {
		return 0, "", segmentOpen, err
	}
	if closed {
		return last.id, last.path, segmentClosed, nil
	}
	return last.id, last.path, segmentOpen, nil
}

func verifyChecksumTrailer(f io.ReaderAt, size int64) (closed bool, dataLen int64, err error) {
	if size < MagicBytesSize {
		return false, 0, fmt.Errorf("%w: segment shorter than header", errInvalidMagic)
	}

	magic := make([]byte, MagicBytesSize)
	if _, err := f.ReadAt(magic, 0); err != nil {
		return false, 0, fmt.Errorf("wal: read magic: %w", err)
	}
	if string(magic) != MagicBytes {
		return false, 0, errInvalidMagic
	}

	if size < MagicBytesSize+ChecksumSize {
		return false, size, nil
	}

	trailer := make([]byte, ChecksumSize)
	if _, err := f.ReadAt(trailer, size-ChecksumSize); err != nil {
		return false, 0, fmt.Errorf("wal: read checksum trailer: %w", err)
	}

	h := sha256.New()
	dataLen = size - ChecksumSize
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, dataLen)); err != nil {
		return false, 0, fmt.Errorf("wal: hash: %w", err)
	}
	if !bytes.Equal(h.Sum(nil), trailer) {
		return false, size, nil
	}
	return true, dataLen, nil
}

// VerifyTrailerChecksum checks the SHA-256 trailer of a finalized segment.
func VerifyTrailerChecksum(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	closed, _, err := verifyChecksumTrailer(f, stat.Size())
	if err != nil {
		return err
	}
	if !closed {
		return errChecksumInvalid
	}
	return nil
}
