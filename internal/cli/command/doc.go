// Package command defines the undocore-cli commands.
//
// The tool works on a data directory directly. Read-only commands
// (status, checkpoint list/verify, wal info) are safe while the server
// runs; text append opens the storage engine and needs exclusive access.
package command
