package pagestore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/yndnr/undocore/internal/storage/wal"
)

// PageSize is the size of an undo page.
const PageSize = 8192

const (
	keyPrefix = "page/"
	imageSize = 8 + PageSize
)

// PageID addresses one page of an undo log.
type PageID struct {
	Log   uint32
	Block uint32
}

// PageOf returns the page holding byte offset off of log.
func PageOf(log uint32, off uint64) PageID {
	return PageID{Log: log, Block: uint32(off / PageSize)}
}

func (id PageID) String() string { return fmt.Sprintf("%d/%d", id.Log, id.Block) }

func (id PageID) key() []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint32(k[len(keyPrefix):], id.Log)
	binary.BigEndian.PutUint32(k[len(keyPrefix)+4:], id.Block)
	return k
}

func (id PageID) cacheKey() uint64 { return uint64(id.Log)<<32 | uint64(id.Block) }

// Buffer is a pinned page. Its content lock must be held to read or modify
// Data, and to call SetLSN or MarkDirty.
type Buffer struct {
	id   PageID
	mu   sync.Mutex
	data []byte

	lsn     atomic.Uint64
	dirty   atomic.Bool
	version atomic.Uint64

	pins int // guarded by Store.mu
}

// ID returns the page address.
func (b *Buffer) ID() PageID { return b.id }

// Data returns the page bytes.
func (b *Buffer) Data() []byte { return b.data }

// Lock takes the content lock.
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock releases the content lock.
func (b *Buffer) Unlock() { b.mu.Unlock() }

// LSN returns the LSN of the last record that modified the page.
func (b *Buffer) LSN() wal.LSN { return wal.LSN(b.lsn.Load()) }

// SetLSN stamps the page with the LSN of the record describing its latest
// change.
func (b *Buffer) SetLSN(lsn wal.LSN) { b.lsn.Store(uint64(lsn)) }

// MarkDirty records that the page must be written back.
func (b *Buffer) MarkDirty() {
	b.version.Add(1)
	b.dirty.Store(true)
}

// Dirty reports whether the page has unwritten changes.
func (b *Buffer) Dirty() bool { return b.dirty.Load() }

func encodeImage(lsn wal.LSN, data []byte) []byte {
	img := make([]byte, imageSize)
	binary.LittleEndian.PutUint64(img, uint64(lsn))
	copy(img[8:], data)
	return img
}

func decodeImage(img []byte, b *Buffer) error {
	if len(img) != imageSize {
		return fmt.Errorf("pagestore: page %s: image is %d bytes, want %d", b.id, len(img), imageSize)
	}
	b.lsn.Store(binary.LittleEndian.Uint64(img))
	copy(b.data, img[8:])
	return nil
}

type cachedPage struct {
	gen uint64
	img []byte
}
