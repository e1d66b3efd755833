// Package media stores photo and voice payloads captured offline. The binary
// lands in a local file with a JSON sidecar; only the sidecar metadata enters
// the sync pipeline, the binary itself is uploaded out of band.
package media

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline-sync-service/internal/config"
	"offline-sync-service/internal/logger"
)

// Registrar is the slice of the sync engine the media managers need: a way
// to register a metadata record for later sync.
type Registrar interface {
	StoreOfflineRecord(ctx context.Context, recordType string, data map[string]interface{},
		workerID, deviceID, parentRecordID, operation string) (string, error)
}

type Manager struct {
	photoDir string
	voiceDir string
	engine   Registrar
	now      func() time.Time
}

func NewManager(cfg config.MediaConfig, engine Registrar) *Manager {
	return &Manager{
		photoDir: cfg.PhotoDir,
		voiceDir: cfg.VoiceDir,
		engine:   engine,
		now:      time.Now,
	}
}

func shortID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}

// StorePhoto writes the photo bytes and a metadata sidecar, then registers a
// lightweight photo record through the offline pipeline.
func (m *Manager) StorePhoto(ctx context.Context, photo []byte, recordID, workerID, deviceID string) (string, error) {
	photoID := "PHOTO-" + shortID()
	path := filepath.Join(m.photoDir, photoID+".jpg")

	metadata := map[string]interface{}{
		"photo_id":  photoID,
		"record_id": recordID,
		"worker_id": workerID,
		"timestamp": m.now().UTC().Format(time.RFC3339),
		"file_path": path,
		"file_size": len(photo),
	}

	if err := m.writeSidecar(m.photoDir, photoID, path, photo, metadata); err != nil {
		return "", err
	}

	if _, err := m.engine.StoreOfflineRecord(ctx, "photo", metadata, workerID, deviceID, recordID, ""); err != nil {
		return "", fmt.Errorf("failed to register photo record: %w", err)
	}

	logger.Log.Debug("Stored offline photo",
		zap.String("photo_id", photoID),
		zap.Int("size", len(photo)))
	return photoID, nil
}

// StoreVoice writes the audio bytes and sidecar, with an optional transcript
// in the metadata, and registers a voice record.
func (m *Manager) StoreVoice(ctx context.Context, audio []byte, workerID, deviceID, transcript string) (string, error) {
	voiceID := "VOICE-" + shortID()
	path := filepath.Join(m.voiceDir, voiceID+".wav")

	metadata := map[string]interface{}{
		"voice_id":   voiceID,
		"worker_id":  workerID,
		"timestamp":  m.now().UTC().Format(time.RFC3339),
		"file_path":  path,
		"file_size":  len(audio),
		"transcript": transcript,
	}

	if err := m.writeSidecar(m.voiceDir, voiceID, path, audio, metadata); err != nil {
		return "", err
	}

	if _, err := m.engine.StoreOfflineRecord(ctx, "voice", metadata, workerID, deviceID, "", ""); err != nil {
		return "", fmt.Errorf("failed to register voice record: %w", err)
	}

	logger.Log.Debug("Stored offline voice recording",
		zap.String("voice_id", voiceID),
		zap.Int("size", len(audio)))
	return voiceID, nil
}

func (m *Manager) writeSidecar(dir, id, payloadPath string, payload []byte, metadata map[string]interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create media dir: %w", err)
	}
	if err := os.WriteFile(payloadPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write media payload: %w", err)
	}

	sidecar, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode media sidecar: %w", err)
	}
	sidecarPath := filepath.Join(dir, id+"_metadata.json")
	if err := os.WriteFile(sidecarPath, sidecar, 0o644); err != nil {
		return fmt.Errorf("failed to write media sidecar: %w", err)
	}
	return nil
}
