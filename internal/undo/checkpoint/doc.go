// Package checkpoint reads and writes undo checkpoint files.
//
// A checkpoint file lives in the undo directory and is named by the redo
// LSN of the checkpoint it belongs to, as FilenameLength uppercase hex
// digits, so names sort like the positions they encode. The body is the
// state of every registered subsystem, in registration order, with no
// framing between them, followed by a little-endian CRC-32C of the body.
//
// Subsystems never touch the file: they get a *Context and may only call
// Read and Write (and the fixed-width helpers built on them). Each call
// transfers exactly len(buf) bytes or fails, and only successful transfers
// feed the running checksum.
//
// Obsolete files are removed by Store.CleanUp once a newer checkpoint is
// durable, unless a backup is in progress.
package checkpoint
