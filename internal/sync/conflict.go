package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline-sync-service/internal/logger"
	"offline-sync-service/internal/remote"
	"offline-sync-service/internal/store"
)

// Conflict-sensitive field groups. The resolution policy below checks the
// groups in a fixed order; later rules are reachable only when earlier
// groups did not change, so the ordering is part of the contract.
var (
	safetyFields      = []string{"safety_status", "hazard_level", "compliance_status"}
	measurementFields = []string{"measurements", "readings", "sensor_data"}
	statusFields      = []string{"status", "completion_status", "approval_status"}
	textFields        = []string{"notes", "comments", "observations"}
	otherFields       = []string{"defects", "photos"}
)

// sensitiveFields is the full set the engine compares during conflict
// detection. The engine never inspects record data beyond this list.
var sensitiveFields = func() []string {
	var all []string
	for _, group := range [][]string{safetyFields, measurementFields, statusFields, textFields, otherFields} {
		all = append(all, group...)
	}
	return all
}()

// DetectFieldConflicts returns the sensitive fields whose values differ
// between the local and remote payloads.
func DetectFieldConflicts(local, remote map[string]interface{}) []string {
	var changed []string
	for _, field := range sensitiveFields {
		lv, lok := local[field]
		rv, rok := remote[field]
		if !lok && !rok {
			continue
		}
		if !valuesEqual(lv, rv) {
			changed = append(changed, field)
		}
	}
	return changed
}

func valuesEqual(a, b interface{}) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}

func anyIn(changed []string, group []string) bool {
	for _, c := range changed {
		for _, g := range group {
			if c == g {
				return true
			}
		}
	}
	return false
}

// DecideStrategy maps a detected conflict to a resolution strategy. Pure and
// deterministic; first matching rule wins:
//
//  1. safety fields changed          -> remote wins (expert system authority)
//  2. measurement fields changed     -> local wins (field observation)
//  3. status fields changed          -> most recent timestamp wins
//  4. notes/comments changed         -> merge both texts
//  5. anything else                  -> manual review
func DecideStrategy(local, remote map[string]interface{}, changed []string) string {
	if anyIn(changed, safetyFields) {
		return store.StrategyRemoteWins
	}
	if anyIn(changed, measurementFields) {
		return store.StrategyLocalWins
	}
	if anyIn(changed, statusFields) {
		localTime := payloadTime(local)
		remoteTime := payloadTime(remote)
		if localTime.After(remoteTime) {
			return store.StrategyLocalWins
		}
		return store.StrategyRemoteWins
	}
	if anyIn(changed, textFields) {
		return store.StrategyMerge
	}
	return store.StrategyManual
}

// payloadTime reads updated_at, falling back to created_at, from a record
// payload. Zero time when neither parses.
func payloadTime(data map[string]interface{}) time.Time {
	for _, key := range []string{"updated_at", "created_at"} {
		if raw, ok := data[key].(string); ok {
			if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				return t
			}
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// MergeData combines both payloads without dropping either side's text.
// Non-text fields keep the local value; text fields concatenate unless one
// side already contains the other, which keeps the merge idempotent.
func MergeData(local, remote map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(local)+len(remote))
	for k, v := range remote {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v
	}
	for _, field := range textFields {
		lv, lok := local[field].(string)
		rv, rok := remote[field].(string)
		switch {
		case lok && rok:
			merged[field] = mergeText(lv, rv)
		case rok:
			merged[field] = rv
		}
	}
	return merged
}

func mergeText(local, remote string) string {
	if local == remote || strings.Contains(local, remote) {
		return local
	}
	if strings.Contains(remote, local) {
		return remote
	}
	return local + "\n---\n" + remote
}

// ConflictManager records conflicts and applies resolution strategies.
type ConflictManager struct {
	store      store.Store
	client     remote.Client
	now        func() time.Time
	maxRetries int
}

func NewConflictManager(st store.Store, client remote.Client, now func() time.Time, maxRetries int) *ConflictManager {
	return &ConflictManager{store: st, client: client, now: now, maxRetries: maxRetries}
}

// Record persists a conflict row for a local record and returns it. A second
// unresolved conflict for the same record is not created.
func (cm *ConflictManager) Record(ctx context.Context, rec *store.OfflineRecord, remoteData map[string]interface{}, strategy string) (*store.Conflict, error) {
	remoteJSON, err := json.Marshal(remoteData)
	if err != nil {
		return nil, fmt.Errorf("failed to encode remote data: %w", err)
	}

	conflict := &store.Conflict{
		ConflictID:         store.NewConflictID(),
		LocalRecordID:      rec.RecordID,
		RemoteData:         json.RawMessage(remoteJSON),
		ConflictType:       "data",
		ResolutionStrategy: nullString(strategy),
		CreatedAt:          cm.now(),
	}

	if err := cm.store.CreateConflict(ctx, conflict); err != nil {
		return nil, err
	}
	return conflict, nil
}

// Apply executes a non-manual strategy for a conflict. Applying the same
// strategy twice leaves the same final state.
func (cm *ConflictManager) Apply(ctx context.Context, conflict *store.Conflict, rec *store.OfflineRecord, strategy, resolvedBy string) error {
	var remoteData map[string]interface{}
	if err := json.Unmarshal(conflict.RemoteData, &remoteData); err != nil {
		return fmt.Errorf("failed to decode conflict remote data: %w", err)
	}

	remoteID := remoteRecordID(rec)

	switch strategy {
	case store.StrategyLocalWins:
		if remoteID != "" {
			if err := cm.client.Update(ctx, rec.RecordType, remoteID, rec.Data); err != nil {
				return fmt.Errorf("%w: %v", ErrSyncFailure, err)
			}
		}

	case store.StrategyRemoteWins:
		// Remote copy is authoritative; nothing to push.

	case store.StrategyMerge:
		merged := MergeData(rec.Data, remoteData)
		if remoteID != "" {
			if err := cm.client.Update(ctx, rec.RecordType, remoteID, merged); err != nil {
				return fmt.Errorf("%w: %v", ErrSyncFailure, err)
			}
		}

	default:
		return fmt.Errorf("strategy %q cannot be auto-applied", strategy)
	}

	if err := cm.store.ResolveConflict(ctx, conflict.ConflictID, strategy, resolvedBy); err != nil {
		return err
	}
	if err := cm.store.MarkSynced(ctx, rec.RecordID); err != nil {
		return err
	}

	logger.Log.Info("Conflict resolved",
		zap.String("conflict_id", conflict.ConflictID),
		zap.String("record_id", rec.RecordID),
		zap.String("strategy", strategy))
	return nil
}

// Resolve applies a strategy to a stored conflict by ID; the entry point for
// manual resolution through the API.
func (cm *ConflictManager) Resolve(ctx context.Context, conflictID, strategy, resolvedBy string) error {
	conflict, err := cm.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved() {
		return fmt.Errorf("conflict %s already resolved", conflictID)
	}

	rec, err := cm.store.Get(ctx, conflict.LocalRecordID)
	if err != nil {
		return err
	}

	return cm.Apply(ctx, conflict, rec, strategy, resolvedBy)
}
