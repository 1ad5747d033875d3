// Package ponyerr defines the error taxonomy from spec.md §7: IoError,
// Corrupt, ReadOnlyViolation, and Invariant. Callers distinguish kinds with
// errors.Is against the sentinels below, following the same
// fmt.Errorf("...: %w")-chain discipline the teacher repo uses throughout
// internal/storage/pager.
package ponyerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("%w: detail", ErrX) or use the
// Wrap helpers below.
var (
	// ErrIO marks a recoverable I/O failure (a short read/write, a failed
	// open, etc). Surfaces to the caller; never fatal on its own.
	ErrIO = errors.New("io error")

	// ErrCorrupt marks on-disk structural corruption: bad magic/version,
	// a header/footer mismatch, a pointer outside its segment, an area
	// already free, or an area missing from its bin chain.
	ErrCorrupt = errors.New("corrupt store")

	// ErrReadOnly marks an attempted mutation against a read-only
	// resource or store, or a write attempted without holding the
	// buffer manager's write lock.
	ErrReadOnly = errors.New("read-only violation")

	// ErrInvariant marks a broken internal invariant: double release of
	// a reference, an out-of-bounds cursor position, or similar "this
	// should be impossible" conditions.
	ErrInvariant = errors.New("invariant violation")
)

// WrapIO wraps err as an IoError with context.
func WrapIO(context string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %v", context, ErrIO, err)
}

// Corrupt builds a Corrupt error with a formatted message.
func Corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...)
}

// ReadOnly builds a ReadOnlyViolation error with a formatted message.
func ReadOnly(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrReadOnly}, args...)...)
}

// Invariant builds an Invariant error with a formatted message.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvariant}, args...)...)
}
