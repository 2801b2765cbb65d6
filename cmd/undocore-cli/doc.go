// Command undocore-cli inspects and maintains an undocore data directory.
//
//	undocore-cli -d /var/lib/undocore/data status
//	undocore-cli -d /var/lib/undocore/data checkpoint list
//	undocore-cli -d /var/lib/undocore/data backup start nightly
package main
