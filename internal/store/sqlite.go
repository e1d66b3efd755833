package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
)

// timeLayout is a fixed-width RFC3339 form so lexicographic ordering of the
// stored text matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(filePath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", filePath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// sqlite serializes writes; a single connection avoids SQLITE_BUSY
	// churn between the scheduler, explicit syncs and recovery.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	logger.Log.Info("Opened offline store", zap.String("path", filePath))
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS offline_records (
			record_id TEXT PRIMARY KEY,
			record_type TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			checksum TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending',
			parent_record_id TEXT,
			operation TEXT NOT NULL DEFAULT 'create',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_sync_attempt TEXT,
			recovered_from TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_records_status ON offline_records(sync_status);
		CREATE INDEX IF NOT EXISTS idx_records_device ON offline_records(device_id, sync_status);
		CREATE INDEX IF NOT EXISTS idx_records_timestamp ON offline_records(timestamp);

		CREATE TABLE IF NOT EXISTS sync_conflicts (
			conflict_id TEXT PRIMARY KEY,
			local_record_id TEXT NOT NULL,
			remote_data TEXT NOT NULL,
			conflict_type TEXT NOT NULL,
			resolution_strategy TEXT,
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			resolved_by TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_conflicts_record ON sync_conflicts(local_record_id);

		CREATE TABLE IF NOT EXISTS device_sync_state (
			device_id TEXT PRIMARY KEY,
			last_sync_timestamp TEXT,
			network_status TEXT NOT NULL DEFAULT 'offline',
			pending_records_count INTEGER NOT NULL DEFAULT 0,
			failed_syncs_count INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// ExecTx executes fn within a transaction.
func (s *SQLiteStore) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func nullTimeArg(t sql.NullTime) interface{} {
	if !t.Valid {
		return nil
	}
	return formatTime(t.Time)
}

// Insert persists a record. The checksum must already be set and match the
// data; anything else is rejected with ErrIntegrity before touching disk.
func (s *SQLiteStore) Insert(ctx context.Context, rec *OfflineRecord) error {
	if err := VerifyChecksum(rec); err != nil {
		return err
	}

	dataJSON, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode record data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_records
		(record_id, record_type, data, timestamp, worker_id, device_id,
		 checksum, sync_status, parent_record_id, operation, retry_count,
		 last_sync_attempt, recovered_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RecordID, rec.RecordType, string(dataJSON), formatTime(rec.Timestamp),
		rec.WorkerID, rec.DeviceID, rec.Checksum, rec.SyncStatus,
		rec.ParentRecordID, rec.Operation, rec.RetryCount,
		nullTimeArg(rec.LastSyncAttempt), rec.RecoveredFrom)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.RecordID, err)
	}
	return nil
}

const recordColumns = `record_id, record_type, data, timestamp, worker_id, device_id,
	checksum, sync_status, parent_record_id, operation, retry_count,
	last_sync_attempt, recovered_from`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*OfflineRecord, error) {
	var rec OfflineRecord
	var dataJSON, ts string
	var lastAttempt sql.NullString

	err := row.Scan(&rec.RecordID, &rec.RecordType, &dataJSON, &ts,
		&rec.WorkerID, &rec.DeviceID, &rec.Checksum, &rec.SyncStatus,
		&rec.ParentRecordID, &rec.Operation, &rec.RetryCount,
		&lastAttempt, &rec.RecoveredFrom)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dataJSON), &rec.Data); err != nil {
		return nil, fmt.Errorf("failed to decode data for record %s: %w", rec.RecordID, err)
	}
	rec.Timestamp = parseTime(ts)
	if lastAttempt.Valid {
		rec.LastSyncAttempt = sql.NullTime{Time: parseTime(lastAttempt.String), Valid: true}
	}
	return &rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, recordID string) (*OfflineRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM offline_records WHERE record_id = ?`, recordID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", recordID, err)
	}
	return rec, nil
}

// ListPending returns pending records in creation order. An empty deviceID
// selects all devices.
func (s *SQLiteStore) ListPending(ctx context.Context, deviceID string) ([]*OfflineRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM offline_records WHERE sync_status = ?`
	args := []interface{}{StatusPending}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY timestamp ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}
	defer rows.Close()

	var records []*OfflineRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClaimPending flips a record from pending to syncing. Returns false when
// the record was not pending, which means another syncer already owns it.
func (s *SQLiteStore) ClaimPending(ctx context.Context, recordID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offline_records SET sync_status = ?, last_sync_attempt = ?
		WHERE record_id = ? AND sync_status = ?
	`, StatusSyncing, formatTime(time.Now()), recordID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim record %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) setStatus(ctx context.Context, recordID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_records SET sync_status = ? WHERE record_id = ?`, status, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark record %s %s: %w", recordID, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, recordID string) error {
	return s.setStatus(ctx, recordID, StatusSynced)
}

func (s *SQLiteStore) MarkConflict(ctx context.Context, recordID string) error {
	return s.setStatus(ctx, recordID, StatusConflict)
}

// ResetForRetry returns an in-flight, conflicted or failed record to the
// pending queue without touching its retry count.
func (s *SQLiteStore) ResetForRetry(ctx context.Context, recordID string) error {
	return s.setStatus(ctx, recordID, StatusPending)
}

// MarkFailed counts a failed attempt. The record goes back to pending until
// it has burned maxRetries attempts, then it escalates to failed and stays
// there for an operator.
func (s *SQLiteStore) MarkFailed(ctx context.Context, recordID string, detail string, maxRetries int) error {
	return s.ExecTx(ctx, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx,
			`SELECT retry_count FROM offline_records WHERE record_id = ?`, recordID).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record %s: %w", recordID, ErrNotFound)
		}
		if err != nil {
			return err
		}

		retries++
		status := StatusPending
		if retries >= maxRetries {
			status = StatusFailed
			logger.Log.Warn("Record exhausted sync retries",
				zap.String("record_id", recordID),
				zap.Int("retries", retries),
				zap.String("detail", detail))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE offline_records
			SET sync_status = ?, retry_count = ?, last_sync_attempt = ?
			WHERE record_id = ?
		`, status, retries, formatTime(time.Now()), recordID)
		return err
	})
}

func (s *SQLiteStore) CountPending(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_records
		WHERE device_id = ? AND sync_status = ?
	`, deviceID, StatusPending).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending records: %w", err)
	}
	return count, nil
}

// HasRecoveredFrom reports whether a record restored from originalRecordID
// already exists on the device. Recovery uses it to dedupe across tiers.
func (s *SQLiteStore) HasRecoveredFrom(ctx context.Context, deviceID, originalRecordID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM offline_records
		WHERE device_id = ? AND recovered_from = ?)
	`, deviceID, originalRecordID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recovered record: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) ActiveSessions(ctx context.Context, since time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT device_id, worker_id FROM offline_records
		WHERE timestamp > ?
	`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.DeviceID, &sess.WorkerID); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CreateConflict stores a conflict row. A second unresolved conflict for the
// same local record is rejected with ErrConflictExists.
func (s *SQLiteStore) CreateConflict(ctx context.Context, c *Conflict) error {
	return s.ExecTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM sync_conflicts
			WHERE local_record_id = ? AND resolved_at IS NULL)
		`, c.LocalRecordID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("record %s: %w", c.LocalRecordID, ErrConflictExists)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_conflicts
			(conflict_id, local_record_id, remote_data, conflict_type,
			 resolution_strategy, created_at, resolved_at, resolved_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ConflictID, c.LocalRecordID, string(c.RemoteData), c.ConflictType,
			c.ResolutionStrategy, formatTime(c.CreatedAt),
			nullTimeArg(c.ResolvedAt), c.ResolvedBy)
		return err
	})
}

func scanConflict(row rowScanner) (*Conflict, error) {
	var c Conflict
	var remoteData, createdAt string
	var resolvedAt sql.NullString

	err := row.Scan(&c.ConflictID, &c.LocalRecordID, &remoteData, &c.ConflictType,
		&c.ResolutionStrategy, &createdAt, &resolvedAt, &c.ResolvedBy)
	if err != nil {
		return nil, err
	}

	c.RemoteData = json.RawMessage(remoteData)
	c.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		c.ResolvedAt = sql.NullTime{Time: parseTime(resolvedAt.String), Valid: true}
	}
	return &c, nil
}

const conflictColumns = `conflict_id, local_record_id, remote_data, conflict_type,
	resolution_strategy, created_at, resolved_at, resolved_by`

func (s *SQLiteStore) GetConflict(ctx context.Context, conflictID string) (*Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE conflict_id = ?`, conflictID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", conflictID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", conflictID, err)
	}
	return c, nil
}

func (s *SQLiteStore) ListUnresolvedConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM sync_conflicts
		WHERE resolved_at IS NULL ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (s *SQLiteStore) CountUnresolvedConflicts(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE resolved_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conflicts: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ResolveConflict(ctx context.Context, conflictID, strategy, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution_strategy = ?, resolved_at = ?, resolved_by = ?
		WHERE conflict_id = ? AND resolved_at IS NULL
	`, strategy, formatTime(time.Now()), resolvedBy, conflictID)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unresolved conflict %s: %w", conflictID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetDeviceState(ctx context.Context, deviceID string) (*DeviceSyncState, error) {
	var state DeviceSyncState
	var lastSync sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, last_sync_timestamp, network_status,
		       pending_records_count, failed_syncs_count
		FROM device_sync_state WHERE device_id = ?
	`, deviceID).Scan(&state.DeviceID, &lastSync, &state.NetworkStatus,
		&state.PendingRecords, &state.FailedSyncs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device state: %w", err)
	}

	if lastSync.Valid {
		state.LastSync = sql.NullTime{Time: parseTime(lastSync.String), Valid: true}
	}
	return &state, nil
}

// UpdateDeviceState upserts a device's sync state. The failed-syncs counter
// is owned by IncrementFailedSyncs and is preserved on update.
func (s *SQLiteStore) UpdateDeviceState(ctx context.Context, state *DeviceSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sync_state
		(device_id, last_sync_timestamp, network_status, pending_records_count, failed_syncs_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			last_sync_timestamp = excluded.last_sync_timestamp,
			network_status = excluded.network_status,
			pending_records_count = excluded.pending_records_count
	`, state.DeviceID, nullTimeArg(state.LastSync), state.NetworkStatus,
		state.PendingRecords, state.FailedSyncs)
	if err != nil {
		return fmt.Errorf("failed to update device state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementFailedSyncs(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sync_state (device_id, failed_syncs_count)
		VALUES (?, 1)
		ON CONFLICT(device_id) DO UPDATE SET
			failed_syncs_count = failed_syncs_count + 1
	`, deviceID)
	if err != nil {
		return fmt.Errorf("failed to increment failed syncs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
