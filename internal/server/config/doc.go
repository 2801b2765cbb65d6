// Package config provides the undocore-server configuration.
//
//   - schema.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation (sync mode, key format, paths)
//   - sanitize.go: Log sanitization (hide the WAL encryption key)
//   - storage.go: Conversion into storage.Config
//
// Configuration is loaded via internal/infra/confloader from a YAML file
// and UNDOCORE_ environment variables.
package config
