// Package metric provides Prometheus metrics for undocore.
//
//   - prometheus.go: registry, recording helpers and the HTTP handler
//   - collector.go: a collector that samples engine state at scrape time
//
// Metrics cover checkpoint writes and startup reads (including per-call
// read/write/sync wait time), checkpoint file cleanup, WAL insertion and
// flushing, redo replay per resource manager, and the undo page store.
// Every recording method is safe to call on a nil *Registry, so components
// can run without metrics in tests.
//
// Metrics are exposed at /metrics in Prometheus format.
package metric
