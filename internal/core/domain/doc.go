// Package domain defines the error taxonomy shared by the undo core.
//
// Every failure that crosses a package boundary is a DomainError carrying a
// stable code. Callers compare with errors.Is, which matches on the code, so
// a detailed or wrapped copy of a sentinel still matches the sentinel:
//
//   - CKPT: checkpoint file access, short transfers and checksum failures
//   - UNDO: misuse of undo record sets and space exhaustion
//   - REDO: replay of log records
//   - CTRL: the control file that records checkpoint redo positions
//   - BKUP: backup coordination
package domain
