// Package control reads and writes the control file, the small document
// that says where the latest checkpoint begins replay.
//
// The file is JSON followed by a SHA-256 trailer over the JSON. It is
// replaced atomically: written to a temporary file, synced, renamed over
// the old one, and the directory synced. A missing file means the data
// directory has never been checkpointed and startup bootstraps.
package control
