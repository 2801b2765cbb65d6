// Package cmap provides a sharded concurrent map.
//
// Keys are spread over a power-of-two number of shards with murmur3, each
// shard guarded by its own RWMutex. Iteration locks one shard at a time, so
// a Range sees a per-shard consistent view, not a global snapshot.
//
// Usage:
//
//	m := cmap.New[uint64, *entry]()
//	m.Set(42, e)
//	e, ok := m.Get(42)
package cmap
