package output

import (
	"fmt"
	"io"
)

// Format is an output format.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table or json)", s)
	}
}

// Tabler is implemented by results that know how to lay themselves out
// as a table.
type Tabler interface {
	Table() *Table
}

// Print writes data in the given format. Table output requires data to
// implement Tabler; anything else falls back to JSON.
func Print(w io.Writer, f Format, data any) error {
	if t, ok := data.(Tabler); ok && f == FormatTable {
		return t.Table().Render(w)
	}
	return (&JSONFormatter{}).Format(w, data)
}
