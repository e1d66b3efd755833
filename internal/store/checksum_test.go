package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIsStable(t *testing.T) {
	a := map[string]interface{}{
		"line":    "A",
		"result":  "pass",
		"nested":  map[string]interface{}{"z": float64(1), "a": float64(2)},
		"reading": 42.5,
	}
	b := map[string]interface{}{
		"reading": 42.5,
		"nested":  map[string]interface{}{"a": float64(2), "z": float64(1)},
		"result":  "pass",
		"line":    "A",
	}

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)
	assert.Equal(t, sumA, sumB, "equal payloads must hash identically")

	b["result"] = "fail"
	sumC, err := Checksum(b)
	require.NoError(t, err)
	assert.NotEqual(t, sumA, sumC)
}

func TestVerifyChecksum(t *testing.T) {
	data := map[string]interface{}{"v": float64(7)}
	sum, err := Checksum(data)
	require.NoError(t, err)

	rec := &OfflineRecord{RecordID: "OFFLINE-test0001", Data: data, Checksum: sum}
	assert.NoError(t, VerifyChecksum(rec))

	rec.Data["v"] = float64(8)
	assert.ErrorIs(t, VerifyChecksum(rec), ErrIntegrity)
}
