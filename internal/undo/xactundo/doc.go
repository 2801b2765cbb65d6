// Package xactundo tracks which undo record sets belong to which
// transaction.
//
// Transaction ids come from a counter kept in the undo shared memory
// region. The counter and the oldest transaction still owning undo are what
// this package writes into the undo checkpoint.
package xactundo
