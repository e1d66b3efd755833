package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"offline-sync-service/internal/store"
)

func TestDecideStrategyPrecedence(t *testing.T) {
	local := map[string]interface{}{
		"updated_at": "2026-01-10T10:00:00Z",
	}
	remote := map[string]interface{}{
		"updated_at": "2026-01-10T09:00:00Z",
	}

	tests := []struct {
		name    string
		changed []string
		want    string
	}{
		{"safety field alone", []string{"safety_status"}, store.StrategyRemoteWins},
		{"measurement field alone", []string{"measurements"}, store.StrategyLocalWins},
		// Rule 1 outranks rule 2: safety authority beats field observation.
		{"safety and measurement together", []string{"safety_status", "measurements"}, store.StrategyRemoteWins},
		{"hazard level", []string{"hazard_level"}, store.StrategyRemoteWins},
		{"sensor data", []string{"sensor_data"}, store.StrategyLocalWins},
		{"status with newer local", []string{"status"}, store.StrategyLocalWins},
		{"notes merge", []string{"notes"}, store.StrategyMerge},
		{"comments merge", []string{"observations"}, store.StrategyMerge},
		{"unknown field", []string{"photos"}, store.StrategyManual},
		{"empty change set", nil, store.StrategyManual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecideStrategy(local, remote, tt.changed)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecideStrategyStatusTimestamps(t *testing.T) {
	local := map[string]interface{}{"updated_at": "2026-01-10T08:00:00Z"}
	remote := map[string]interface{}{"updated_at": "2026-01-10T09:00:00Z"}

	// Remote is newer, most-recent wins.
	assert.Equal(t, store.StrategyRemoteWins, DecideStrategy(local, remote, []string{"completion_status"}))

	// Falls back to created_at when updated_at is missing.
	local = map[string]interface{}{"created_at": "2026-01-10T12:00:00Z"}
	assert.Equal(t, store.StrategyLocalWins, DecideStrategy(local, remote, []string{"approval_status"}))
}

func TestDetectFieldConflicts(t *testing.T) {
	local := map[string]interface{}{
		"status":       "open",
		"measurements": []interface{}{1.0, 2.0},
		"notes":        "checked the valve",
		"operator":     "alice",
	}
	remote := map[string]interface{}{
		"status":       "closed",
		"measurements": []interface{}{1.0, 2.0},
		"notes":        "valve replaced",
		"operator":     "bob",
	}

	changed := DetectFieldConflicts(local, remote)
	assert.ElementsMatch(t, []string{"status", "notes"}, changed,
		"operator is not conflict-sensitive, measurements are equal")
}

func TestMergeDataKeepsBothTexts(t *testing.T) {
	local := map[string]interface{}{"notes": "pump vibrates at startup", "status": "open"}
	remote := map[string]interface{}{"notes": "replaced the gasket", "status": "closed"}

	merged := MergeData(local, remote)

	notes := merged["notes"].(string)
	assert.Contains(t, notes, "pump vibrates at startup")
	assert.Contains(t, notes, "replaced the gasket")
	// Non-text fields keep the local value.
	assert.Equal(t, "open", merged["status"])
}

func TestMergeDataIsIdempotent(t *testing.T) {
	local := map[string]interface{}{"notes": "first pass"}
	remote := map[string]interface{}{"notes": "second opinion"}

	once := MergeData(local, remote)
	twice := MergeData(once, remote)
	assert.Equal(t, once["notes"], twice["notes"], "re-applying the merge must not duplicate text")
}

func TestMergeTextIdenticalCollapses(t *testing.T) {
	assert.Equal(t, "same", mergeText("same", "same"))
	assert.Equal(t, "longer text with same inside", mergeText("longer text with same inside", "same inside"))
}
