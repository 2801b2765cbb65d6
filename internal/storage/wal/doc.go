// Package wal provides the write-ahead log the undo core stamps pages with.
//
// Every record has an LSN: the composite position (segmentID<<32 |
// offsetWithinSegment) just past the record's frame. LSNs are assigned when
// a record is inserted, not when it is written, so segment rotation is
// decided at insert time and a position handed out never moves.
//
// Records are composed through an Insertion, which can only be started with
// a live critical.Section. Inside the section nothing fails recoverably: a
// write or sync failure while finishing a record is fatal.
//
// Features:
//
//   - Batched Writes: configurable batch size and sync interval
//   - FlushTo: write and fsync through a given LSN (WAL before data)
//   - File Rotation: at configurable segment sizes or record counts
//   - Encryption: optional, record data sealed to its start position
//   - Compaction: removal of segments wholly before a checkpoint redo
//   - Torn tails: a reopened open segment is truncated after its last valid frame
//
// Format:
//
//	wal-<segment-id>.log
//	[magic:8 "UNDOWAL\x01"]
//	[Frame]*
//	[checksum:32 SHA-256 of all bytes above] (absent on the active segment)
//
// Frame wire format:
//
//	[Length:4][CRC32C:4][Rmgr:1][Payload:Length-5]
//
// Where:
//   - Length = CRC32C + Rmgr + Payload (big-endian uint32)
//   - CRC32C (Castagnoli) covers Rmgr+Payload
//   - Payload is JSON: timestamp, info byte, data, registered blocks
package wal
