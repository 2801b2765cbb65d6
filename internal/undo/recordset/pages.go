package recordset

import (
	"sort"

	"github.com/yndnr/undocore/internal/storage/pagestore"
)

// blockRange appends the blocks covering [off, off+n).
func blockRange(blocks []uint32, off, n uint64) []uint32 {
	if n == 0 {
		return blocks
	}
	for b := off / pagestore.PageSize; b <= (off+n-1)/pagestore.PageSize; b++ {
		blocks = append(blocks, uint32(b))
	}
	return blocks
}

// pageSet returns the sorted distinct blocks holding the header at start
// and n payload bytes at at.
func pageSet(start, at, n uint64) []uint32 {
	blocks := blockRange(nil, start, HeaderSize)
	blocks = blockRange(blocks, at, n)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	out := blocks[:0]
	for i, b := range blocks {
		if i == 0 || b != blocks[i-1] {
			out = append(out, b)
		}
	}
	return out
}

// pinPages pins and then locks the given blocks in order.
func (m *Manager) pinPages(log uint32, blocks []uint32) ([]*pagestore.Buffer, error) {
	bufs := make([]*pagestore.Buffer, 0, len(blocks))
	for _, blk := range blocks {
		b, err := m.pages.Pin(pagestore.PageID{Log: log, Block: blk})
		if err != nil {
			for _, p := range bufs {
				m.pages.Unpin(p)
			}
			return nil, err
		}
		bufs = append(bufs, b)
	}
	for _, b := range bufs {
		b.Lock()
	}
	return bufs, nil
}

func (m *Manager) releasePages(bufs []*pagestore.Buffer) {
	for _, b := range bufs {
		b.Unlock()
		m.pages.Unpin(b)
	}
}

func findBuf(bufs []*pagestore.Buffer, block uint32) *pagestore.Buffer {
	for _, b := range bufs {
		if b.ID().Block == block {
			return b
		}
	}
	return nil
}

// copyOut writes data at byte offset off of the log into the pages for
// which apply returns true.
func copyOut(bufs []*pagestore.Buffer, off uint64, data []byte, apply func(*pagestore.Buffer) bool) {
	for len(data) > 0 {
		b := findBuf(bufs, uint32(off/pagestore.PageSize))
		in := off % pagestore.PageSize
		n := uint64(len(data))
		if room := pagestore.PageSize - in; n > room {
			n = room
		}
		if b != nil && (apply == nil || apply(b)) {
			copy(b.Data()[in:in+n], data[:n])
		}
		data = data[n:]
		off += n
	}
}

// copyIn fills out from byte offset off of the log.
func copyIn(bufs []*pagestore.Buffer, off uint64, out []byte) {
	for len(out) > 0 {
		b := findBuf(bufs, uint32(off/pagestore.PageSize))
		in := off % pagestore.PageSize
		n := uint64(len(out))
		if room := pagestore.PageSize - in; n > room {
			n = room
		}
		if b != nil {
			copy(out[:n], b.Data()[in:in+n])
		}
		out = out[n:]
		off += n
	}
}

func readHeader(bufs []*pagestore.Buffer, start uint64) Header {
	b := make([]byte, HeaderSize)
	copyIn(bufs, start, b)
	return decodeHeader(b)
}
