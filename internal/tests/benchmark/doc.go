// Package benchmark holds cross-package benchmarks for the WAL, the text
// appender and undo checkpoints.
//
//	go test -bench=. -benchmem ./internal/tests/benchmark/
package benchmark
