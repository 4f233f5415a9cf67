// Package common holds the error taxonomy and small shared types used
// across the btree engine, following the flat sentinel-error style the
// rest of this module's packages use.
package common

import "errors"

var (
	// ErrInvalidState is raised when an operation is issued against a
	// closed or never-opened engine. Programmer error; fatal to the call.
	ErrInvalidState = errors.New("btree: invalid state")

	// ErrInvalidData is raised when the metadata magic or a configured
	// parameter mismatches on open. Callers are expected to invoke Recover.
	ErrInvalidData = errors.New("btree: invalid data")

	// ErrInvalidNode is raised when a block fails to deserialize into a
	// node. Recoverable locally: the caller marks the block free and
	// continues scanning.
	ErrInvalidNode = errors.New("btree: invalid node")

	// ErrIO wraps underlying file errors. It is returned to the caller
	// of the failing operation; the engine's state is not changed by
	// it, and later operations run as usual.
	ErrIO = errors.New("btree: io error")

	// errDuplicateKey is an internal signal used by the put path to
	// distinguish insert from update. It never escapes the module's
	// Tree API.
	errDuplicateKey = errors.New("btree: duplicate key")

	ErrKeyNotFound  = errors.New("btree: key not found")
	ErrClosed       = errors.New("btree: closed")
	ErrKeyEmpty     = errors.New("btree: key cannot be empty")
	ErrCorruptStore = errors.New("btree: corrupt store, recovery required")
)

// ErrDuplicateKey exposes the internal duplicate-key signal for packages
// within this module (the btree engine's put path raises it); it is never returned
// from an exported Tree method.
func ErrDuplicateKey() error { return errDuplicateKey }

// IsDuplicateKey reports whether err is the internal duplicate-key signal.
func IsDuplicateKey(err error) bool { return errors.Is(err, errDuplicateKey) }
