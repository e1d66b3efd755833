package media

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline-sync-service/internal/config"
)

type registeredRecord struct {
	recordType     string
	data           map[string]interface{}
	workerID       string
	deviceID       string
	parentRecordID string
}

type fakeRegistrar struct {
	records []registeredRecord
}

func (r *fakeRegistrar) StoreOfflineRecord(_ context.Context, recordType string, data map[string]interface{},
	workerID, deviceID, parentRecordID, operation string) (string, error) {
	r.records = append(r.records, registeredRecord{
		recordType:     recordType,
		data:           data,
		workerID:       workerID,
		deviceID:       deviceID,
		parentRecordID: parentRecordID,
	})
	return "OFFLINE-media001", nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRegistrar, config.MediaConfig) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.MediaConfig{
		PhotoDir: filepath.Join(dir, "photos"),
		VoiceDir: filepath.Join(dir, "voice"),
	}
	registrar := &fakeRegistrar{}
	return NewManager(cfg, registrar), registrar, cfg
}

func TestStorePhotoWritesPayloadAndSidecar(t *testing.T) {
	m, registrar, cfg := newTestManager(t)
	ctx := context.Background()

	payload := []byte("jpeg-bytes")
	photoID, err := m.StorePhoto(ctx, payload, "OFFLINE-abcd0001", "W1", "D1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(photoID, "PHOTO-"))

	got, err := os.ReadFile(filepath.Join(cfg.PhotoDir, photoID+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	sidecar, err := os.ReadFile(filepath.Join(cfg.PhotoDir, photoID+"_metadata.json"))
	require.NoError(t, err)
	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal(sidecar, &metadata))
	assert.Equal(t, photoID, metadata["photo_id"])
	assert.Equal(t, "OFFLINE-abcd0001", metadata["record_id"])
	assert.Equal(t, float64(len(payload)), metadata["file_size"])

	// Only the metadata enters the sync pipeline, as a child of the owning
	// record.
	require.Len(t, registrar.records, 1)
	reg := registrar.records[0]
	assert.Equal(t, "photo", reg.recordType)
	assert.Equal(t, "OFFLINE-abcd0001", reg.parentRecordID)
	assert.Equal(t, "D1", reg.deviceID)
	assert.Equal(t, photoID, reg.data["photo_id"])
}

func TestStoreVoiceKeepsTranscript(t *testing.T) {
	m, registrar, cfg := newTestManager(t)
	ctx := context.Background()

	voiceID, err := m.StoreVoice(ctx, []byte("wav-bytes"), "W1", "D1", "replace the filter")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(voiceID, "VOICE-"))

	_, err = os.Stat(filepath.Join(cfg.VoiceDir, voiceID+".wav"))
	require.NoError(t, err)

	require.Len(t, registrar.records, 1)
	reg := registrar.records[0]
	assert.Equal(t, "voice", reg.recordType)
	assert.Empty(t, reg.parentRecordID)
	assert.Equal(t, "replace the filter", reg.data["transcript"])
}
