// Package textundo appends text strings to undo record sets.
//
// It is the smallest complete user of the undo write protocol: reserve
// space and pin pages, then in one critical section copy the data, log it,
// and stamp the pages with the record's LSN, then release the pages. Its
// redo function replays those records through the record set recovery
// calls.
package textundo
