// Package fsys abstracts the file system operations used by checkpoint,
// control-file and WAL code so that tests can inject faults.
//
// LocalFS is the production implementation. FaultyFS wraps any FileSystem
// and fails writes after a byte budget (optionally as a short write), syncs,
// closes, reads or removals, selected by file name pattern.
package fsys
