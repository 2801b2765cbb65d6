// Command undocore-server runs the undo storage engine as a daemon.
//
// It recovers the data directory, takes periodic checkpoints, serves
// Prometheus metrics and takes a final checkpoint on SIGINT or SIGTERM.
//
//	undocore-server -config /etc/undocore/server.yaml
package main
