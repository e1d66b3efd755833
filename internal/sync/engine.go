package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Engine owns offline record intake and synchronization. All collaborators
// are injected; the background scheduler is started by Start and stopped by
// Stop, never left running past the engine's lifecycle.
type Engine struct {
	cfg       config.SyncConfig
	store     store.Store
	probe     remote.Probe
	client    remote.Client
	conflicts *ConflictManager
	now       func() time.Time

	queue     chan string
	scheduler *Scheduler

	mu      sync.Mutex // lifecycle
	running bool

	syncMu sync.Mutex // serializes drains; a record is also claim-guarded
}

func NewEngine(cfg config.SyncConfig, st store.Store, probe remote.Probe, client remote.Client) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  st,
		probe:  probe,
		client: client,
		now:    time.Now,
		queue:  make(chan string, cfg.QueueSize),
	}
	e.conflicts = NewConflictManager(st, client, e.now, cfg.MaxRetries)
	e.scheduler = NewScheduler(e, cfg.GetInterval())
	return e
}

// WithClock replaces the engine's wall clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.conflicts.now = now
	return e
}

func (e *Engine) Conflicts() *ConflictManager {
	return e.conflicts
}

func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("sync engine is already running")
	}

	logger.Log.Info("Starting sync engine", zap.Duration("interval", e.cfg.GetInterval()))
	e.scheduler.Start()
	e.running = true
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	logger.Log.Info("Stopping sync engine")
	e.scheduler.Stop()
	e.running = false
}

// StoreOfflineRecord persists a record durably before returning; the caller
// may treat a returned ID as "will not be lost". Connectivity only decides
// whether the record is also queued for immediate background sync.
func (e *Engine) StoreOfflineRecord(ctx context.Context, recordType string, data map[string]interface{},
	workerID, deviceID, parentRecordID, operation string) (string, error) {

	if operation == "" {
		operation = store.OpCreate
	}

	checksum, err := store.Checksum(data)
	if err != nil {
		return "", err
	}

	rec := &store.OfflineRecord{
		RecordID:       store.NewRecordID(),
		RecordType:     recordType,
		Data:           data,
		Timestamp:      e.now(),
		WorkerID:       workerID,
		DeviceID:       deviceID,
		Checksum:       checksum,
		SyncStatus:     store.StatusPending,
		ParentRecordID: nullString(parentRecordID),
		Operation:      operation,
	}

	if err := e.store.Insert(ctx, rec); err != nil {
		return "", err
	}

	logger.Log.Debug("Stored offline record",
		zap.String("record_id", rec.RecordID),
		zap.String("type", recordType),
		zap.String("device_id", deviceID))

	if e.probe.Online(ctx) {
		e.enqueue(rec.RecordID)
	}

	return rec.RecordID, nil
}

// enqueue never blocks the producer. A full queue is safe to drop from:
// the next full sync pass picks pending rows up from the store anyway.
func (e *Engine) enqueue(recordID string) {
	select {
	case e.queue <- recordID:
	default:
		logger.Log.Warn("Sync queue full, record left for next full pass",
			zap.String("record_id", recordID))
	}
}

// SyncWhenOnline pushes all pending records. When the remote is unreachable
// it returns an explicit offline report, not an error: offline is a steady
// state the caller must be able to tell apart from "nothing pending".
func (e *Engine) SyncWhenOnline(ctx context.Context) (*Report, error) {
	if !e.probe.Online(ctx) {
		return &Report{Status: ReportOffline, Message: "network not available"}, nil
	}

	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	pending, err := e.store.ListPending(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list pending records: %w", err)
	}

	report := &Report{Status: ReportCompleted, Details: []RecordResult{}}
	devices := make(map[string]struct{})

	for _, rec := range pending {
		claimed, err := e.store.ClaimPending(ctx, rec.RecordID)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Another syncer owns this record.
			continue
		}

		report.Total++
		devices[rec.DeviceID] = struct{}{}

		result := e.syncClaimed(ctx, rec)
		switch result.Status {
		case outcomeSuccess:
			report.Synced++
		case outcomeConflict:
			report.Conflicts++
		case outcomeError:
			report.Failures++
		}
		report.Details = append(report.Details, result)
	}

	for deviceID := range devices {
		e.touchDeviceState(ctx, deviceID)
	}

	logger.Log.Info("Sync pass completed",
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failures", report.Failures))

	return report, nil
}

// syncByID claims and syncs a single queued record. Used by the background
// scheduler drain.
func (e *Engine) syncByID(ctx context.Context, recordID string) {
	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		logger.Log.Warn("Queued record not loadable", zap.String("record_id", recordID), zap.Error(err))
		return
	}

	claimed, err := e.store.ClaimPending(ctx, recordID)
	if err != nil || !claimed {
		return
	}

	result := e.syncClaimed(ctx, rec)
	if result.Status == outcomeSuccess || result.Status == outcomeConflict {
		e.touchDeviceState(ctx, rec.DeviceID)
	}
}

// syncClaimed runs one claimed record through its strategy and settles its
// status. Failures are contained here so one record can never abort a drain.
func (e *Engine) syncClaimed(ctx context.Context, rec *store.OfflineRecord) (result RecordResult) {
	result = RecordResult{RecordID: rec.RecordID, RecordType: rec.RecordType}

	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Panic while syncing record",
				zap.String("record_id", rec.RecordID), zap.Any("panic", r))
			result.Status = outcomeError
			result.Detail = fmt.Sprintf("panic: %v", r)
			_ = e.store.MarkFailed(ctx, rec.RecordID, result.Detail, e.cfg.MaxRetries)
		}
	}()

	if err := e.checkParentSynced(ctx, rec); err != nil {
		if errors.Is(err, ErrDependencyNotSynced) {
			// Transient: back to pending, no retry consumed.
			_ = e.store.ResetForRetry(ctx, rec.RecordID)
			result.Status = outcomeDeferred
			result.Detail = err.Error()
			return result
		}
		result.Status = outcomeError
		result.Detail = err.Error()
		_ = e.store.MarkFailed(ctx, rec.RecordID, err.Error(), e.cfg.MaxRetries)
		return result
	}

	out, err := e.strategyFor(rec.RecordType)(ctx, rec)
	if err != nil {
		result.Status = outcomeError
		result.Detail = err.Error()
		if markErr := e.store.MarkFailed(ctx, rec.RecordID, err.Error(), e.cfg.MaxRetries); markErr != nil {
			logger.Log.Error("Failed to mark record failed", zap.String("record_id", rec.RecordID), zap.Error(markErr))
		}
		if stateErr := e.store.IncrementFailedSyncs(ctx, rec.DeviceID); stateErr != nil {
			logger.Log.Error("Failed to bump failed-sync counter", zap.Error(stateErr))
		}
		return result
	}

	switch out.status {
	case outcomeSuccess:
		if err := e.store.MarkSynced(ctx, rec.RecordID); err != nil {
			result.Status = outcomeError
			result.Detail = err.Error()
			return result
		}
		result.Status = outcomeSuccess

	case outcomeConflict:
		e.handleConflict(ctx, rec, out)
		result.Status = outcomeConflict
		result.Detail = fmt.Sprintf("fields: %v", out.changed)
	}

	return result
}

// checkParentSynced gates a child record on its parent having reached the
// remote. Syncing out of order would break the parent's ownership chain.
func (e *Engine) checkParentSynced(ctx context.Context, rec *store.OfflineRecord) error {
	if !rec.ParentRecordID.Valid {
		return nil
	}

	parent, err := e.store.Get(ctx, rec.ParentRecordID.String)
	if errors.Is(err, store.ErrNotFound) {
		// Parent was never stored locally; nothing to wait for.
		return nil
	}
	if err != nil {
		return err
	}

	if parent.SyncStatus != store.StatusSynced {
		return fmt.Errorf("record %s waiting on parent %s: %w",
			rec.RecordID, parent.RecordID, ErrDependencyNotSynced)
	}
	return nil
}

// handleConflict records the divergence and applies an automatic strategy
// when one exists. Exactly one conflict row per record pair.
func (e *Engine) handleConflict(ctx context.Context, rec *store.OfflineRecord, out *outcome) {
	strategy := DecideStrategy(rec.Data, out.remoteData, out.changed)

	conflict, err := e.conflicts.Record(ctx, rec, out.remoteData, strategy)
	if err != nil {
		if errors.Is(err, store.ErrConflictExists) {
			_ = e.store.MarkConflict(ctx, rec.RecordID)
			return
		}
		logger.Log.Error("Failed to record conflict", zap.String("record_id", rec.RecordID), zap.Error(err))
		_ = e.store.ResetForRetry(ctx, rec.RecordID)
		return
	}

	if err := e.store.MarkConflict(ctx, rec.RecordID); err != nil {
		logger.Log.Error("Failed to mark record conflicted", zap.String("record_id", rec.RecordID), zap.Error(err))
	}

	logger.Log.Info("Sync conflict detected",
		zap.String("record_id", rec.RecordID),
		zap.String("conflict_id", conflict.ConflictID),
		zap.Strings("fields", out.changed),
		zap.String("strategy", strategy))

	if strategy == store.StrategyManual {
		return
	}

	if err := e.conflicts.Apply(ctx, conflict, rec, strategy, "auto"); err != nil {
		logger.Log.Error("Failed to auto-apply conflict resolution",
			zap.String("conflict_id", conflict.ConflictID), zap.Error(err))
	}
}

func (e *Engine) touchDeviceState(ctx context.Context, deviceID string) {
	pendingCount, err := e.store.CountPending(ctx, deviceID)
	if err != nil {
		logger.Log.Error("Failed to count pending records", zap.Error(err))
		return
	}

	state := &store.DeviceSyncState{
		DeviceID:       deviceID,
		LastSync:       sql.NullTime{Time: e.now(), Valid: true},
		NetworkStatus:  "online",
		PendingRecords: pendingCount,
	}
	if err := e.store.UpdateDeviceState(ctx, state); err != nil {
		logger.Log.Error("Failed to update device state", zap.Error(err))
	}
}

// OfflineStatus reports a device's connectivity and backlog.
func (e *Engine) OfflineStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	pendingCount, err := e.store.CountPending(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	conflictCount, err := e.store.CountUnresolvedConflicts(ctx)
	if err != nil {
		return nil, err
	}

	status := &DeviceStatus{
		DeviceID:            deviceID,
		NetworkStatus:       "offline",
		PendingRecords:      pendingCount,
		UnresolvedConflicts: conflictCount,
		CanWorkOffline:      true,
	}

	if e.probe.Online(ctx) {
		status.NetworkStatus = "online"
	}

	state, err := e.store.GetDeviceState(ctx, deviceID)
	if err == nil && state.LastSync.Valid {
		status.LastSync = state.LastSync.Time.UTC().Format(time.RFC3339)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return status, nil
}
