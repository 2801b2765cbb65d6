// Package undolog allocates space in undo logs.
//
// An undo log is an append-only address space identified by a log number.
// Its control slot (log number, persistence, insert and discard pointers)
// lives in the undo shared memory region, and the slot table is what this
// package writes into the undo checkpoint. A log is attached to at most one
// record set at a time, so the data of a record set is contiguous.
package undolog
