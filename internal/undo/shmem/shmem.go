// Package shmem provides a fixed-capacity memory region that undo
// subsystems carve their shared state out of.
//
// The region is sized once, from the sum of every subsystem's declared
// requirement, and allocations are bump-pointer with 8-byte alignment.
// Allocations are named, so a subsystem re-attaching to a region finds the
// slice it allocated before instead of getting a second one.
package shmem

import (
	"fmt"
	"sync"

	"github.com/yndnr/undocore/internal/core/domain"
)

// Alignment is the alignment of every allocation.
const Alignment = 8

// Align rounds n up to the allocation alignment.
func Align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Region is a fixed-size shared memory region.
type Region struct {
	name string

	mu     sync.Mutex
	data   []byte
	offset int
	allocs map[string][]byte
}

// NewRegion creates a region with room for size bytes.
func NewRegion(name string, size int) *Region {
	return &Region{
		name:   name,
		data:   make([]byte, Align(size)),
		allocs: make(map[string][]byte),
	}
}

// Name returns the region name.
func (r *Region) Name() string { return r.name }

// Size returns the region capacity in bytes.
func (r *Region) Size() int { return len(r.data) }

// Used returns the number of bytes handed out.
func (r *Region) Used() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Alloc returns the zeroed slice registered under name, allocating it on
// first use. found reports whether it already existed.
func (r *Region) Alloc(name string, size int) (buf []byte, found bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.allocs[name]; ok {
		if len(existing) != size {
			return nil, true, domain.ErrInvalidArgument.WithDetailf(
				"shmem %q: %q already allocated with %d bytes, requested %d",
				r.name, name, len(existing), size)
		}
		return existing, true, nil
	}

	need := Align(size)
	if r.offset+need > len(r.data) {
		return nil, false, domain.ErrShmemExhausted.WithDetailf(
			"shmem %q: %q needs %d bytes, %d of %d free",
			r.name, name, size, len(r.data)-r.offset, len(r.data))
	}

	buf = r.data[r.offset : r.offset+size : r.offset+size]
	r.offset += need
	r.allocs[name] = buf
	return buf, false, nil
}

// MustAlloc is Alloc for sizes that were accounted for when the region was
// created. Running out there is a sizing bug.
func (r *Region) MustAlloc(name string, size int) []byte {
	buf, _, err := r.Alloc(name, size)
	if err != nil {
		panic(fmt.Sprintf("shmem: %v", err))
	}
	return buf
}
