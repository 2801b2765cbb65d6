// Package storage provides the storage engine of undocore.
//
// The engine owns the write-ahead log, the undo page store and the undo
// subsystems (log allocator, record sets, transaction tracker), and runs
// the checkpoint cycle over them:
//
//   - Recover reads the control file, restores the undo checkpoint it
//     names and replays the WAL from that checkpoint's redo position.
//   - Checkpoint flushes WAL and pages, saves the undo subsystems into a
//     new checkpoint file, logs a checkpoint record and updates the
//     control file. Obsolete checkpoint files and WAL segments are removed
//     unless a backup is running.
//   - Close takes a final checkpoint and runs the undo exit routines.
//
// Data directory layout:
//
//	control       redo positions of the latest two checkpoints
//	backup_label  present while a base backup runs
//	undo/         checkpoint files, named by redo LSN
//	wal/          WAL segments
//	pages/        undo pages (Badger)
package storage
