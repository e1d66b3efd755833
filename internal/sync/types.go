package sync

import (
	"database/sql"
	"strings"

	"offline-sync-service/internal/store"
)

// Report statuses.
const (
	ReportOffline   = "offline"
	ReportCompleted = "completed"
)

// Per-record outcome statuses inside a report.
const (
	outcomeSuccess  = "success"
	outcomeConflict = "conflict"
	outcomeError    = "error"
	outcomeDeferred = "deferred" // parent not yet synced, retried next cycle
)

// Report summarizes one sync pass.
type Report struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Total     int            `json:"total_records"`
	Synced    int            `json:"synced"`
	Conflicts int            `json:"conflicts"`
	Failures  int            `json:"failures"`
	Details   []RecordResult `json:"details"`
}

type RecordResult struct {
	RecordID   string `json:"record_id"`
	RecordType string `json:"type"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
}

// outcome is the result of syncing a single record.
type outcome struct {
	status     string
	remoteID   string
	remoteData map[string]interface{}
	changed    []string
	err        error
}

// DeviceStatus is the answer to an offline-status query.
type DeviceStatus struct {
	DeviceID            string `json:"device_id"`
	NetworkStatus       string `json:"network_status"`
	PendingRecords      int    `json:"pending_records"`
	UnresolvedConflicts int    `json:"unresolved_conflicts"`
	LastSync            string `json:"last_sync,omitempty"`
	CanWorkOffline      bool   `json:"can_work_offline"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// remoteRecordID returns the record's remote counterpart ID, empty when the
// record only exists locally. Local-only IDs carry the OFFLINE- prefix.
func remoteRecordID(rec *store.OfflineRecord) string {
	key := rec.RecordType + "_id"
	id, ok := rec.Data[key].(string)
	if !ok || id == "" || strings.HasPrefix(id, "OFFLINE-") {
		return ""
	}
	return id
}
