package sync

import "errors"

var (
	// ErrDependencyNotSynced means a record's parent has not reached the
	// remote yet. Transient: the record returns to pending and is retried
	// next cycle without consuming a retry.
	ErrDependencyNotSynced = errors.New("parent record not yet synced")

	// ErrSyncFailure wraps remote rejections, timeouts and malformed
	// responses. Retried up to the configured limit, then the record is
	// escalated to failed.
	ErrSyncFailure = errors.New("sync failure")
)
