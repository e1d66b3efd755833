package store

import "errors"

var (
	// ErrIntegrity means a record's checksum is missing or does not match
	// its data. Callers skip the affected record and report it; the error
	// is never fatal to a whole operation.
	ErrIntegrity = errors.New("record checksum mismatch")

	ErrNotFound = errors.New("not found")

	// ErrConflictExists means an unresolved conflict already exists for the
	// local record. At most one unresolved conflict per record pair.
	ErrConflictExists = errors.New("unresolved conflict already exists for record")
)
