// Package backup coordinates base backups of a data directory.
//
// A running backup is marked by a label file in the data directory, so a
// backup started by the admin tool is seen by the server and the other way
// round. While the label exists, obsolete checkpoint files are kept.
package backup
