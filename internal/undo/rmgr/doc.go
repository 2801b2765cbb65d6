// Package rmgr maps WAL resource manager ids to their redo functions and
// drives replay of the log after the last checkpoint's redo position.
package rmgr
