// Package critical provides the guard for non-interruptible log sections.
//
// A Section is the capability token that write-ahead log insertion
// requires: code can only begin composing a log record while it holds a
// live section. Nothing inside a section may fail recoverably. Failures
// there are escalated with Fatalf, which panics with a *FatalError that
// callers must not recover from.
package critical
