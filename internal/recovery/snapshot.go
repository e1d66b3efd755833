package recovery

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a point-in-time copy of a device's pending records. Written by
// the autosave tick, copied to the redundant location, and uploaded by the
// cloud tick. Never mutated, only superseded by newer snapshots.
type Snapshot struct {
	SavepointID string           `json:"savepoint_id"`
	DeviceID    string           `json:"device_id"`
	WorkerID    string           `json:"worker_id"`
	Timestamp   time.Time        `json:"timestamp"`
	RecordCount int              `json:"record_count"`
	Records     []SnapshotRecord `json:"records"`
}

type SnapshotRecord struct {
	RecordID   string                 `json:"record_id"`
	RecordType string                 `json:"record_type"`
	Data       map[string]interface{} `json:"data"`
	Timestamp  time.Time              `json:"timestamp"`
	WorkerID   string                 `json:"worker_id"`
	Checksum   string                 `json:"checksum"`
}

// CloudBackup is the metadata kept for an uploaded snapshot.
type CloudBackup struct {
	BackupID        string    `json:"backup_id"`
	DeviceID        string    `json:"device_id"`
	BackupTimestamp time.Time `json:"backup_timestamp"`
	DataHash        string    `json:"data_hash"`
	BackupLocation  string    `json:"backup_location"`
	SizeBytes       int       `json:"size_bytes"`
	RecordsBackedUp int       `json:"records_backed_up"`
	EncryptionKeyID string    `json:"encryption_key_id"`
}

type Checkpoint struct {
	CheckpointID string                 `json:"checkpoint_id"`
	WorkerID     string                 `json:"worker_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Data         map[string]interface{} `json:"data"`
	DataHash     string                 `json:"data_hash"`
}

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

func NewSavepointID() string { return "SAVE-" + shortID() }
func NewBackupID() string    { return "CLOUD-" + shortID() }
func NewEmergencyID() string { return "EMERGENCY-" + shortID() }

func writeJSON(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", path, err)
	}
	return &snap, nil
}
