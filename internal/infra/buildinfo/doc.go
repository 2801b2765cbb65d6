// Package buildinfo reports the version of the undocore binaries.
package buildinfo
