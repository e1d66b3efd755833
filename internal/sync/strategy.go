package sync

import (
	"context"
	"fmt"

	"offline-sync-service/internal/store"
)

// strategyFunc syncs one claimed record against the remote. Strategies decide
// between create, clean update and conflict; the engine handles the outcome.
type strategyFunc func(ctx context.Context, rec *store.OfflineRecord) (*outcome, error)

func (e *Engine) strategyFor(recordType string) strategyFunc {
	switch recordType {
	case "inspection", "measurement", "defect":
		return e.syncVersioned
	case "photo", "voice":
		return e.syncMedia
	default:
		return e.syncGeneric
	}
}

// syncVersioned handles record types that can have a pre-existing remote
// counterpart: updates against those are checked for field-level divergence
// before being pushed.
func (e *Engine) syncVersioned(ctx context.Context, rec *store.OfflineRecord) (*outcome, error) {
	remoteID := remoteRecordID(rec)

	if rec.Operation == store.OpUpdate && remoteID != "" {
		remoteData, err := e.client.Fetch(ctx, rec.RecordType, remoteID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyncFailure, err)
		}

		if remoteData != nil {
			remoteTime := payloadTime(remoteData)
			localBase := payloadTime(rec.Data)
			if localBase.IsZero() {
				localBase = rec.Timestamp
			}

			if remoteTime.After(localBase) {
				if changed := DetectFieldConflicts(rec.Data, remoteData); len(changed) > 0 {
					return &outcome{
						status:     outcomeConflict,
						remoteID:   remoteID,
						remoteData: remoteData,
						changed:    changed,
					}, nil
				}
			}
		}
	}

	if remoteID != "" {
		if err := e.client.Update(ctx, rec.RecordType, remoteID, rec.Data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSyncFailure, err)
		}
		return &outcome{status: outcomeSuccess, remoteID: remoteID}, nil
	}

	createdID, err := e.client.Create(ctx, rec.RecordType, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return &outcome{status: outcomeSuccess, remoteID: createdID}, nil
}

// syncMedia pushes the sidecar metadata only. The binary payload stays local
// and is uploaded out of band.
func (e *Engine) syncMedia(ctx context.Context, rec *store.OfflineRecord) (*outcome, error) {
	createdID, err := e.client.Create(ctx, rec.RecordType, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return &outcome{status: outcomeSuccess, remoteID: createdID}, nil
}

// syncGeneric is the forward-compatible default for unrecognized record
// types: push as a create and accept the server echo.
func (e *Engine) syncGeneric(ctx context.Context, rec *store.OfflineRecord) (*outcome, error) {
	createdID, err := e.client.Create(ctx, rec.RecordType, rec.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyncFailure, err)
	}
	return &outcome{status: outcomeSuccess, remoteID: createdID}, nil
}
