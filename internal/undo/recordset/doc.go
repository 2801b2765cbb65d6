// Package recordset implements undo record sets.
//
// A record set is a contiguous span of one undo log: a 16-byte header
// (type, persistence, closed flag, payload size) followed by the payload.
// Writing follows a fixed protocol. Allocate reserves space and pins and
// locks the pages before any critical section. Inside the section, Insert
// copies the payload and registers the pages with the WAL record being
// composed, MarkClosed sets the closed flag, and SetPageLSN stamps the pages
// with the record's LSN. Release unlocks and unpins them afterwards.
//
// Every insertion also registers a small block-data blob on the header page
// saying where the payload went, so InsertInRecovery and UpdateInRecovery
// can replay the record against the page store. Replay skips pages whose
// LSN is already past the record.
package recordset
