package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Sync statuses for an offline record. "syncing" is a transient claim marker
// set while a record is in flight; it always resolves back to one of the
// other states when the attempt finishes.
const (
	StatusPending  = "pending"
	StatusSyncing  = "syncing"
	StatusSynced   = "synced"
	StatusConflict = "conflict"
	StatusFailed   = "failed"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Resolution strategies for a sync conflict.
const (
	StrategyLocalWins  = "local_wins"
	StrategyRemoteWins = "remote_wins"
	StrategyMerge      = "merge"
	StrategyManual     = "manual"
)

// OfflineRecord is the unit of offline work. Data is opaque to the storage
// layer; only the sync strategies interpret it.
type OfflineRecord struct {
	RecordID        string                 `db:"record_id"`
	RecordType      string                 `db:"record_type"`
	Data            map[string]interface{} `db:"data"`
	Timestamp       time.Time              `db:"timestamp"`
	WorkerID        string                 `db:"worker_id"`
	DeviceID        string                 `db:"device_id"`
	Checksum        string                 `db:"checksum"`
	SyncStatus      string                 `db:"sync_status"`
	ParentRecordID  sql.NullString         `db:"parent_record_id"`
	Operation       string                 `db:"operation"`
	RetryCount      int                    `db:"retry_count"`
	LastSyncAttempt sql.NullTime           `db:"last_sync_attempt"`
	RecoveredFrom   sql.NullString         `db:"recovered_from"`
}

type Conflict struct {
	ConflictID         string          `db:"conflict_id"`
	LocalRecordID      string          `db:"local_record_id"`
	RemoteData         json.RawMessage `db:"remote_data"`
	ConflictType       string          `db:"conflict_type"`
	ResolutionStrategy sql.NullString  `db:"resolution_strategy"`
	CreatedAt          time.Time       `db:"created_at"`
	ResolvedAt         sql.NullTime    `db:"resolved_at"`
	ResolvedBy         sql.NullString  `db:"resolved_by"`
}

func (c *Conflict) Resolved() bool {
	return c.ResolvedAt.Valid
}

type DeviceSyncState struct {
	DeviceID       string       `db:"device_id"`
	LastSync       sql.NullTime `db:"last_sync_timestamp"`
	NetworkStatus  string       `db:"network_status"`
	PendingRecords int          `db:"pending_records_count"`
	FailedSyncs    int          `db:"failed_syncs_count"`
}

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// NewRecordID returns a device-local record ID. The OFFLINE- prefix marks
// IDs that have no remote counterpart yet.
func NewRecordID() string {
	return "OFFLINE-" + shortID()
}

func NewConflictID() string {
	return "CONFLICT-" + shortID()
}
