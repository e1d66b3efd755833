package store

import (
	"context"
	"time"
)

// Session is a distinct (device, worker) pair with recent offline records.
type Session struct {
	DeviceID string
	WorkerID string
}

type Store interface {
	// Records
	Insert(ctx context.Context, rec *OfflineRecord) error
	Get(ctx context.Context, recordID string) (*OfflineRecord, error)
	ListPending(ctx context.Context, deviceID string) ([]*OfflineRecord, error)
	ClaimPending(ctx context.Context, recordID string) (bool, error)
	MarkSynced(ctx context.Context, recordID string) error
	MarkConflict(ctx context.Context, recordID string) error
	MarkFailed(ctx context.Context, recordID string, detail string, maxRetries int) error
	ResetForRetry(ctx context.Context, recordID string) error
	CountPending(ctx context.Context, deviceID string) (int, error)
	HasRecoveredFrom(ctx context.Context, deviceID, originalRecordID string) (bool, error)
	ActiveSessions(ctx context.Context, since time.Time) ([]Session, error)

	// Conflicts
	CreateConflict(ctx context.Context, c *Conflict) error
	GetConflict(ctx context.Context, conflictID string) (*Conflict, error)
	ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error)
	CountUnresolvedConflicts(ctx context.Context) (int, error)
	ResolveConflict(ctx context.Context, conflictID, strategy, resolvedBy string) error

	// Device state
	GetDeviceState(ctx context.Context, deviceID string) (*DeviceSyncState, error)
	UpdateDeviceState(ctx context.Context, state *DeviceSyncState) error
	IncrementFailedSyncs(ctx context.Context, deviceID string) error

	// General
	Close() error
}
