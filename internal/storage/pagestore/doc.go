// Package pagestore keeps undo log pages.
//
// Pages are 8 KiB blocks of an undo log, addressed by (log, block). A page
// is pinned while in use and carries the LSN of the last WAL record that
// modified it. Dirty pages stay in the pinned-buffer map until FlushAll
// writes them, and FlushAll flushes the WAL up to the highest page LSN
// first, so a page image never reaches storage ahead of its log record.
//
// Persistent pages live in Badger under the "page/" prefix. Clean pages
// that are no longer pinned move to a ristretto cache; a cached image is
// only trusted when its write generation matches the store's, because
// ristretto may drop or reorder sets.
package pagestore
