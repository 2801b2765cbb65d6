package critical

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var depth atomic.Int64

// Section is an open critical section.
type Section struct {
	ended atomic.Bool
}

// Enter opens a critical section.
func Enter() *Section {
	depth.Add(1)
	return &Section{}
}

// End closes the section. Ending a section twice is fatal.
func (s *Section) End() {
	if s == nil {
		Fatalf("end of nil critical section")
	}
	if !s.ended.CompareAndSwap(false, true) {
		Fatalf("critical section ended twice")
	}
	depth.Add(-1)
}

// Live reports whether the section is still open.
func (s *Section) Live() bool {
	return s != nil && !s.ended.Load()
}

// MustBeLive panics with a FatalError unless s is open. what names the
// operation attempted through the section.
func (s *Section) MustBeLive(what string) {
	if !s.Live() {
		Fatalf("%s outside critical section", what)
	}
}

// Depth returns the number of currently open sections in the process.
func Depth() int64 {
	return depth.Load()
}

// FatalError is the panic value raised for non-recoverable conditions.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "FATAL: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatalf panics with a FatalError built from format and args. %w verbs are
// preserved for errors.Is.
func Fatalf(format string, args ...any) {
	panic(&FatalError{Err: fmt.Errorf(format, args...)})
}

// Fatal panics with a FatalError wrapping err.
func Fatal(err error) {
	panic(&FatalError{Err: err})
}

// AsFatal extracts the FatalError from a recovered panic value.
func AsFatal(v any) (*FatalError, bool) {
	err, ok := v.(error)
	if !ok {
		return nil, false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
