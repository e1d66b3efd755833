package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline_test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func newTestRecord(t *testing.T, deviceID string, data map[string]interface{}) *OfflineRecord {
	t.Helper()
	checksum, err := Checksum(data)
	require.NoError(t, err)
	return &OfflineRecord{
		RecordID:   NewRecordID(),
		RecordType: "inspection",
		Data:       data,
		Timestamp:  time.Now(),
		WorkerID:   "W1",
		DeviceID:   deviceID,
		Checksum:   checksum,
		SyncStatus: StatusPending,
		Operation:  OpCreate,
	}
}

func TestInsertAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D1", map[string]interface{}{"line": "A", "result": "pass"})
	require.NoError(t, s.Insert(ctx, rec))

	got, err := s.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, got.RecordID)
	assert.Equal(t, "inspection", got.RecordType)
	assert.Equal(t, StatusPending, got.SyncStatus)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.Equal(t, "pass", got.Data["result"])
}

func TestInsertRejectsBadChecksum(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D1", map[string]interface{}{"a": float64(1)})
	rec.Checksum = "deadbeef"
	err := s.Insert(ctx, rec)
	assert.ErrorIs(t, err, ErrIntegrity)

	rec.Checksum = ""
	err = s.Insert(ctx, rec)
	assert.ErrorIs(t, err, ErrIntegrity)
}

// Records must survive a close and reopen of the database file with their
// checksum intact.
func TestDurabilityAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durability.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)

	rec := newTestRecord(t, "D1", map[string]interface{}{"reading": 42.5})
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.NoError(t, VerifyChecksum(got))
	assert.Equal(t, StatusPending, got.SyncStatus)
}

func TestListPendingOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	var ids []string
	for i := 0; i < 3; i++ {
		rec := newTestRecord(t, "D1", map[string]interface{}{"seq": float64(i)})
		rec.Timestamp = base.Add(time.Duration(2-i) * time.Minute) // insert newest first
		require.NoError(t, s.Insert(ctx, rec))
		ids = append(ids, rec.RecordID)
	}

	pending, err := s.ListPending(ctx, "D1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Oldest timestamp first: the last inserted record has the earliest time.
	assert.Equal(t, ids[2], pending[0].RecordID)
	assert.Equal(t, ids[0], pending[2].RecordID)
}

func TestClaimPendingIsExclusive(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D1", map[string]interface{}{"x": true})
	require.NoError(t, s.Insert(ctx, rec))

	claimed, err := s.ClaimPending(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := s.ClaimPending(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.False(t, again, "second claim must lose")

	require.NoError(t, s.ResetForRetry(ctx, rec.RecordID))
	claimed, err = s.ClaimPending(ctx, rec.RecordID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMarkFailedEscalatesAtLimit(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D1", map[string]interface{}{"x": float64(1)})
	require.NoError(t, s.Insert(ctx, rec))

	const maxRetries = 3
	for i := 1; i <= maxRetries; i++ {
		require.NoError(t, s.MarkFailed(ctx, rec.RecordID, "remote rejected", maxRetries))
		got, err := s.Get(ctx, rec.RecordID)
		require.NoError(t, err)
		assert.Equal(t, i, got.RetryCount)
		if i < maxRetries {
			assert.Equal(t, StatusPending, got.SyncStatus, "attempt %d should stay retryable", i)
		} else {
			assert.Equal(t, StatusFailed, got.SyncStatus, "attempt %d should escalate", i)
		}
	}
}

func TestConflictLifecycle(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D1", map[string]interface{}{"status": "open"})
	require.NoError(t, s.Insert(ctx, rec))

	c := &Conflict{
		ConflictID:    NewConflictID(),
		LocalRecordID: rec.RecordID,
		RemoteData:    []byte(`{"status":"closed"}`),
		ConflictType:  "data",
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.CreateConflict(ctx, c))

	// No duplicate unresolved conflict for the same record.
	dup := &Conflict{
		ConflictID:    NewConflictID(),
		LocalRecordID: rec.RecordID,
		RemoteData:    []byte(`{}`),
		ConflictType:  "data",
		CreatedAt:     time.Now(),
	}
	assert.ErrorIs(t, s.CreateConflict(ctx, dup), ErrConflictExists)

	unresolved, err := s.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.False(t, unresolved[0].Resolved())

	require.NoError(t, s.ResolveConflict(ctx, c.ConflictID, StrategyRemoteWins, "operator"))

	resolved, err := s.GetConflict(ctx, c.ConflictID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, StrategyRemoteWins, resolved.ResolutionStrategy.String)

	count, err := s.CountUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Conflicts are kept as an audit trail, a second resolve is an error.
	assert.ErrorIs(t, s.ResolveConflict(ctx, c.ConflictID, StrategyLocalWins, "operator"), ErrNotFound)
}

func TestDeviceStatePreservesFailedCounter(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrementFailedSyncs(ctx, "D1"))
	require.NoError(t, s.IncrementFailedSyncs(ctx, "D1"))

	state := &DeviceSyncState{DeviceID: "D1", NetworkStatus: "online", PendingRecords: 4}
	require.NoError(t, s.UpdateDeviceState(ctx, state))

	got, err := s.GetDeviceState(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailedSyncs)
	assert.Equal(t, 4, got.PendingRecords)
	assert.Equal(t, "online", got.NetworkStatus)
}

func TestHasRecoveredFrom(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	rec := newTestRecord(t, "D2", map[string]interface{}{"v": float64(1)})
	rec.RecoveredFrom = sql.NullString{String: "OFFLINE-dead0001", Valid: true}
	require.NoError(t, s.Insert(ctx, rec))

	found, err := s.HasRecoveredFrom(ctx, "D2", "OFFLINE-dead0001")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.HasRecoveredFrom(ctx, "D2", "OFFLINE-dead0002")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestActiveSessions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	recent := newTestRecord(t, "D1", map[string]interface{}{"v": float64(1)})
	require.NoError(t, s.Insert(ctx, recent))

	stale := newTestRecord(t, "D2", map[string]interface{}{"v": float64(2)})
	stale.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.Insert(ctx, stale))

	sessions, err := s.ActiveSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "D1", sessions[0].DeviceID)
	assert.Equal(t, "W1", sessions[0].WorkerID)
}
