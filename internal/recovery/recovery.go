// Package recovery takes periodic snapshots of pending offline work and
// restores it to a replacement device after failure. Three backup tiers run
// on independent cadences (local and redundant every 30s, cloud every 5min);
// recovery walks local -> cloud -> peer -> server, accumulating whatever each
// tier can contribute.
package recovery

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Recovery source tier names, in attempt order.
const (
	SourceLocal  = "local_backup"
	SourceCloud  = "cloud_backup"
	SourcePeer   = "peer_devices"
	SourceServer = "server_sync"
)

type Report struct {
	OldDevice        string   `json:"old_device"`
	NewDevice        string   `json:"new_device"`
	Worker           string   `json:"worker"`
	RecoveredRecords int      `json:"recovered_records"`
	Sources          []string `json:"recovery_sources"`
	Status           string   `json:"status"`
}

type System struct {
	cfg    config.RecoveryConfig
	store  store.Store
	probe  remote.Probe
	client remote.Client
	peers  PeerNetwork
	health HealthSource
	now    func() time.Time

	backupDir string
	cron      *cron.Cron

	mu      sync.Mutex // lifecycle
	running bool

	emergencyMu sync.Mutex
}

func NewSystem(cfg config.RecoveryConfig, st store.Store, probe remote.Probe, client remote.Client) *System {
	return &System{
		cfg:       cfg,
		store:     st,
		probe:     probe,
		client:    client,
		peers:     NoPeers{},
		health:    NoHealth{},
		now:       time.Now,
		backupDir: cfg.BackupDir,
		cron:      cron.New(),
	}
}

func (s *System) WithPeers(peers PeerNetwork) *System {
	s.peers = peers
	return s
}

func (s *System) WithHealth(health HealthSource) *System {
	s.health = health
	return s
}

func (s *System) WithClock(now func() time.Time) *System {
	s.now = now
	return s
}

// Start launches the autosave, cloud-backup and device-monitor cadences.
func (s *System) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("recovery system is already running")
	}

	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup dir: %w", err)
	}

	type entry struct {
		interval time.Duration
		fn       func()
	}
	for _, e := range []entry{
		{s.cfg.GetAutosaveInterval(), s.autosaveTick},
		{s.cfg.GetCloudInterval(), s.cloudTick},
		{s.cfg.GetMonitorInterval(), s.monitorTick},
	} {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", e.interval), e.fn); err != nil {
			return fmt.Errorf("failed to schedule recovery tick: %w", err)
		}
	}

	s.cron.Start()
	s.running = true
	logger.Log.Info("Started recovery system",
		zap.Duration("autosave_interval", s.cfg.GetAutosaveInterval()),
		zap.Duration("cloud_interval", s.cfg.GetCloudInterval()))
	return nil
}

func (s *System) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
	logger.Log.Info("Stopped recovery system")
}

// autosaveTick snapshots every active session's pending records to the local
// tier and mirrors the file to the redundant location.
func (s *System) autosaveTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetAutosaveInterval())
	defer cancel()

	sessions, err := s.store.ActiveSessions(ctx, s.now().Add(-time.Hour))
	if err != nil {
		logger.Log.Error("Autosave failed to list sessions", zap.Error(err))
		return
	}

	for _, sess := range sessions {
		snap, err := s.snapshotDevice(ctx, sess.DeviceID, sess.WorkerID)
		if err != nil {
			logger.Log.Error("Autosave failed to snapshot device",
				zap.String("device_id", sess.DeviceID), zap.Error(err))
			continue
		}
		if snap == nil {
			continue // nothing pending
		}

		path := filepath.Join(s.backupDir, fmt.Sprintf("%s_%s.json", snap.DeviceID, snap.SavepointID))
		if err := writeJSON(path, snap); err != nil {
			logger.Log.Error("Autosave write failed", zap.Error(err))
			continue
		}

		redundant := filepath.Join(s.backupDir, "redundant", fmt.Sprintf("%s_latest.json", snap.DeviceID))
		if err := writeJSON(redundant, snap); err != nil {
			logger.Log.Error("Redundant autosave write failed", zap.Error(err))
		}

		logger.Log.Debug("Autosaved device",
			zap.String("device_id", snap.DeviceID),
			zap.Int("records", snap.RecordCount))
	}
}

func (s *System) snapshotDevice(ctx context.Context, deviceID, workerID string) (*Snapshot, error) {
	records, err := s.store.ListPending(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	snap := &Snapshot{
		SavepointID: NewSavepointID(),
		DeviceID:    deviceID,
		WorkerID:    workerID,
		Timestamp:   s.now(),
		RecordCount: len(records),
	}
	for _, rec := range records {
		snap.Records = append(snap.Records, SnapshotRecord{
			RecordID:   rec.RecordID,
			RecordType: rec.RecordType,
			Data:       rec.Data,
			Timestamp:  rec.Timestamp,
			WorkerID:   rec.WorkerID,
			Checksum:   rec.Checksum,
		})
	}
	return snap, nil
}

// cloudTick uploads each device's latest local snapshot. Requires
// connectivity; silently skipped offline since the local tiers still hold
// the data.
func (s *System) cloudTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetCloudInterval())
	defer cancel()

	if !s.probe.Online(ctx) {
		return
	}

	latest, err := s.latestLocalSnapshots()
	if err != nil {
		logger.Log.Error("Cloud backup failed to scan snapshots", zap.Error(err))
		return
	}

	for deviceID, snap := range latest {
		if err := s.uploadSnapshot(ctx, snap); err != nil {
			logger.Log.Error("Cloud backup upload failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// latestLocalSnapshots returns the newest local snapshot per device.
func (s *System) latestLocalSnapshots() (map[string]*Snapshot, error) {
	paths, err := filepath.Glob(filepath.Join(s.backupDir, "*_SAVE-*.json"))
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*Snapshot)
	for _, path := range paths {
		snap, err := readSnapshot(path)
		if err != nil {
			logger.Log.Warn("Skipping unreadable snapshot", zap.String("path", path), zap.Error(err))
			continue
		}
		if cur, ok := latest[snap.DeviceID]; !ok || snap.Timestamp.After(cur.Timestamp) {
			latest[snap.DeviceID] = snap
		}
	}
	return latest, nil
}

func (s *System) uploadSnapshot(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	location, err := s.client.UploadBackup(ctx, payload)
	if err != nil {
		return err
	}

	backup := &CloudBackup{
		BackupID:        NewBackupID(),
		DeviceID:        snap.DeviceID,
		BackupTimestamp: s.now(),
		DataHash:        fmt.Sprintf("%x", sha256.Sum256(payload)),
		BackupLocation:  location,
		SizeBytes:       len(payload),
		RecordsBackedUp: snap.RecordCount,
		EncryptionKeyID: "AES256-KEY-001",
	}

	metaPath := filepath.Join(s.backupDir, "cloud_metadata", backup.BackupID+".json")
	if err := writeJSON(metaPath, backup); err != nil {
		return err
	}

	logger.Log.Info("Cloud backup uploaded",
		zap.String("backup_id", backup.BackupID),
		zap.String("device_id", backup.DeviceID),
		zap.Int("records", backup.RecordsBackedUp))
	return nil
}

// monitorTick checks device health and fires an emergency save when battery
// or storage crosses the configured thresholds.
func (s *System) monitorTick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetMonitorInterval())
	defer cancel()

	if level, ok := s.health.BatteryLevel(); ok && level < s.cfg.BatteryThreshold {
		if _, err := s.EmergencySave(ctx, "LOW_BATTERY"); err != nil {
			logger.Log.Error("Emergency save failed", zap.Error(err))
		}
	}
	if free, ok := s.health.AvailableStorageMB(); ok && free < s.cfg.StorageThreshold {
		if _, err := s.EmergencySave(ctx, "LOW_STORAGE"); err != nil {
			logger.Log.Error("Emergency save failed", zap.Error(err))
		}
	}
}

// EmergencySave dumps every pending record to a standalone artifact. It is
// synchronous: the last line of defense before device loss must be on disk
// before this returns.
func (s *System) EmergencySave(ctx context.Context, reason string) (string, error) {
	s.emergencyMu.Lock()
	defer s.emergencyMu.Unlock()

	records, err := s.store.ListPending(ctx, "")
	if err != nil {
		return "", fmt.Errorf("emergency save failed to read store: %w", err)
	}

	emergencyID := NewEmergencyID()
	dump := struct {
		EmergencyID string           `json:"emergency_id"`
		Reason      string           `json:"reason"`
		Timestamp   time.Time        `json:"timestamp"`
		RecordCount int              `json:"record_count"`
		Records     []SnapshotRecord `json:"records"`
	}{
		EmergencyID: emergencyID,
		Reason:      reason,
		Timestamp:   s.now(),
		RecordCount: len(records),
	}
	for _, rec := range records {
		dump.Records = append(dump.Records, SnapshotRecord{
			RecordID:   rec.RecordID,
			RecordType: rec.RecordType,
			Data:       rec.Data,
			Timestamp:  rec.Timestamp,
			WorkerID:   rec.WorkerID,
			Checksum:   rec.Checksum,
		})
	}

	path := filepath.Join(s.backupDir, fmt.Sprintf("emergency_%s.json", emergencyID))
	if err := writeJSON(path, dump); err != nil {
		return "", err
	}

	logger.Log.Warn("Emergency save completed",
		zap.String("emergency_id", emergencyID),
		zap.String("reason", reason),
		zap.Int("records", len(records)))
	return path, nil
}

// HandleDrop reacts to an accelerometer reading. Anything above three times
// gravity is treated as a drop and triggers an immediate emergency save.
func (s *System) HandleDrop(ctx context.Context, deviceID string, accelerationMS2 float64) (bool, error) {
	const dropThreshold = 9.8 * 3
	if accelerationMS2 <= dropThreshold {
		return false, nil
	}
	_, err := s.EmergencySave(ctx, "DEVICE_DROP_DETECTED")
	return true, err
}

// HandleWaterDamage saves everything locally and pushes an immediate cloud
// backup pass while the device may still be alive.
func (s *System) HandleWaterDamage(ctx context.Context, deviceID string) error {
	if _, err := s.EmergencySave(ctx, "WATER_DAMAGE_PROTOCOL"); err != nil {
		return err
	}
	s.cloudTick()
	return nil
}

// CreateRecoveryCheckpoint writes a standalone checkpoint of caller-supplied
// worker data.
func (s *System) CreateRecoveryCheckpoint(workerID string, data map[string]interface{}) (*Checkpoint, error) {
	hash, err := store.Checksum(data)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		CheckpointID: "checkpoint_" + shortID(),
		WorkerID:     workerID,
		Timestamp:    s.now(),
		Data:         data,
		DataHash:     hash,
	}

	path := filepath.Join(s.backupDir, cp.CheckpointID+".json")
	if err := writeJSON(path, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// RecoverFromDeviceFailure restores a failed device's records onto its
// replacement. Tiers are tried in fixed order and accumulate: an unavailable
// tier contributes zero records and is left out of Sources. Restored records
// get fresh IDs under the new device, with the original ID kept as
// provenance so later tiers do not restore the same record twice.
func (s *System) RecoverFromDeviceFailure(ctx context.Context, oldDeviceID, newDeviceID, workerID string) (*Report, error) {
	report := &Report{
		OldDevice: oldDeviceID,
		NewDevice: newDeviceID,
		Worker:    workerID,
		Sources:   []string{},
	}

	type tier struct {
		name string
		run  func(context.Context) (int, error)
	}
	tiers := []tier{
		{SourceLocal, func(ctx context.Context) (int, error) {
			return s.recoverFromLocal(ctx, oldDeviceID, newDeviceID)
		}},
		{SourceCloud, func(ctx context.Context) (int, error) {
			return s.recoverFromCloud(ctx, oldDeviceID, newDeviceID)
		}},
		{SourcePeer, func(ctx context.Context) (int, error) {
			return s.recoverFromPeers(ctx, oldDeviceID, newDeviceID)
		}},
		{SourceServer, func(ctx context.Context) (int, error) {
			return s.recoverFromServer(ctx, oldDeviceID, newDeviceID, workerID)
		}},
	}

	for _, t := range tiers {
		count, err := t.run(ctx)
		if err != nil {
			// An unavailable tier is not an error for the recovery as a
			// whole; log it and keep walking down the chain.
			logger.Log.Warn("Recovery tier unavailable",
				zap.String("tier", t.name),
				zap.String("old_device", oldDeviceID),
				zap.Error(err))
			continue
		}
		if count > 0 {
			report.RecoveredRecords += count
			report.Sources = append(report.Sources, t.name)
		}
	}

	if report.RecoveredRecords > 0 {
		report.Status = "success"
	} else {
		report.Status = "failed"
	}

	logger.Log.Info("Device recovery finished",
		zap.String("old_device", oldDeviceID),
		zap.String("new_device", newDeviceID),
		zap.Int("recovered", report.RecoveredRecords),
		zap.Strings("sources", report.Sources))
	return report, nil
}

// restoreSnapshot re-inserts a snapshot's records under the new device.
// Checksums are verified before insert; a corrupt record is skipped and
// reported, never fatal. Returns the number restored, which can never exceed
// the snapshot's own record count.
func (s *System) restoreSnapshot(ctx context.Context, snap *Snapshot, newDeviceID string) (int, error) {
	restored := 0
	for _, sr := range snap.Records {
		n, err := s.restoreRecord(ctx, sr, newDeviceID)
		if err != nil {
			return restored, err
		}
		restored += n
	}
	return restored, nil
}

func (s *System) restoreRecord(ctx context.Context, sr SnapshotRecord, newDeviceID string) (int, error) {
	rec := &store.OfflineRecord{
		RecordID:      store.NewRecordID(),
		RecordType:    sr.RecordType,
		Data:          sr.Data,
		Timestamp:     sr.Timestamp,
		WorkerID:      sr.WorkerID,
		DeviceID:      newDeviceID,
		Checksum:      sr.Checksum,
		SyncStatus:    store.StatusPending,
		Operation:     store.OpCreate,
		RecoveredFrom: sql.NullString{String: sr.RecordID, Valid: sr.RecordID != ""},
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Checksum == "" {
		sum, err := store.Checksum(sr.Data)
		if err != nil {
			return 0, err
		}
		rec.Checksum = sum
	}

	if sr.RecordID != "" {
		already, err := s.store.HasRecoveredFrom(ctx, newDeviceID, sr.RecordID)
		if err != nil {
			return 0, err
		}
		if already {
			return 0, nil
		}
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, store.ErrIntegrity) {
			logger.Log.Warn("Skipping corrupt record during recovery",
				zap.String("original_record_id", sr.RecordID), zap.Error(err))
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

func (s *System) recoverFromLocal(ctx context.Context, oldDeviceID, newDeviceID string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.backupDir, fmt.Sprintf("%s_SAVE-*.json", oldDeviceID)))
	if err != nil {
		return 0, err
	}

	var latest *Snapshot
	for _, path := range paths {
		snap, err := readSnapshot(path)
		if err != nil {
			continue
		}
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}

	if latest == nil {
		redundant := filepath.Join(s.backupDir, "redundant", fmt.Sprintf("%s_latest.json", oldDeviceID))
		snap, err := readSnapshot(redundant)
		if err != nil {
			return 0, fmt.Errorf("no local backups for device %s", oldDeviceID)
		}
		latest = snap
	}

	return s.restoreSnapshot(ctx, latest, newDeviceID)
}

func (s *System) recoverFromCloud(ctx context.Context, oldDeviceID, newDeviceID string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(s.backupDir, "cloud_metadata", "*.json"))
	if err != nil {
		return 0, err
	}

	var latest *CloudBackup
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var backup CloudBackup
		if err := json.Unmarshal(data, &backup); err != nil {
			continue
		}
		if backup.DeviceID != oldDeviceID {
			continue
		}
		if latest == nil || backup.BackupTimestamp.After(latest.BackupTimestamp) {
			latest = &backup
		}
	}

	if latest == nil {
		return 0, fmt.Errorf("no cloud backups for device %s", oldDeviceID)
	}

	payload, err := s.client.DownloadBackup(ctx, latest.BackupLocation)
	if err != nil {
		return 0, err
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode cloud backup %s: %w", latest.BackupID, err)
	}

	return s.restoreSnapshot(ctx, &snap, newDeviceID)
}

func (s *System) recoverFromPeers(ctx context.Context, oldDeviceID, newDeviceID string) (int, error) {
	snaps, err := s.peers.Snapshots(ctx, oldDeviceID)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, snap := range snaps {
		n, err := s.restoreSnapshot(ctx, snap, newDeviceID)
		restored += n
		if err != nil {
			return restored, err
		}
	}
	return restored, nil
}

func (s *System) recoverFromServer(ctx context.Context, oldDeviceID, newDeviceID, workerID string) (int, error) {
	if !s.probe.Online(ctx) {
		return 0, fmt.Errorf("server unreachable")
	}

	records, err := s.client.DeviceRecords(ctx, oldDeviceID, workerID)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, rr := range records {
		n, err := s.restoreRecord(ctx, SnapshotRecord{
			RecordID:   rr.RecordID,
			RecordType: rr.RecordType,
			Data:       rr.Data,
			WorkerID:   rr.WorkerID,
		}, newDeviceID)
		restored += n
		if err != nil {
			return restored, err
		}
	}
	return restored, nil
}
