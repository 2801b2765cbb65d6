// Package confloader loads configuration with koanf.
//
// Sources, lowest priority first: the defaults already present in the
// target struct, a YAML file, and UNDOCORE_ environment variables.
// Watcher reports changes to the configuration file through fsnotify so
// the server can reload settings that are safe to change at runtime.
package confloader
