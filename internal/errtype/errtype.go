// Package errtype defines the abstract error kinds every public ntsync
// operation returns (see spec §7). Callers distinguish kinds with
// errors.Is; wrapped context is added with github.com/pkg/errors so a
// failure still carries a stack trace back to its origin.
package errtype

import "github.com/pkg/errors"

// Sentinel kinds. Every error returned across a package boundary wraps
// exactly one of these with errors.Wrap/Wrapf.
var (
	// InvalidHandle: a primitive pointer is nil, or its magic number
	// does not match an initialized record.
	InvalidHandle = errors.New("ntsync: invalid handle")

	// InvalidState: a barrier was destroyed, or inconsistent node state
	// was observed.
	InvalidState = errors.New("ntsync: invalid state")

	// Mismatch: a condvar is bound to a mutex different from the one
	// passed to Wait.
	Mismatch = errors.New("ntsync: mutex mismatch")

	// ResourceExhausted: an allocation or table-growth failed.
	ResourceExhausted = errors.New("ntsync: resource exhausted")

	// NotImplemented: a declared-but-unsupported operation (timed lock,
	// try-lock on an unsupported primitive, mutex destroy).
	NotImplemented = errors.New("ntsync: not implemented")

	// KernelFault: the wait-on-word facility returned an unexpected
	// result.
	KernelFault = errors.New("ntsync: kernel fault")
)

// Is reports whether err ultimately wraps kind. Thin wrapper kept so
// call sites read "errtype.Is(err, errtype.InvalidState)" instead of
// importing both errtype and errors.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Wrap attaches msg as context to an error of one of the sentinel
// kinds above, preserving errors.Is matching against kind.
func Wrap(kind error, msg string) error {
	return errors.Wrap(kind, msg)
}

// Wrapf is Wrap with formatting.
func Wrapf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
