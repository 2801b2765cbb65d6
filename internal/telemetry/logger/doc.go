// Package logger builds the process's *slog.Logger.
//
//   - logger.go: handler selection (JSON or text) and a shared dynamic level
//   - context.go: carrying a logger in a context.Context
//   - redact.go: masking of secret-looking attributes such as the WAL
//     encryption key
package logger
