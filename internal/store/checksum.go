package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Checksum returns the hex sha256 of the canonical JSON encoding of data.
// encoding/json marshals map keys in sorted order, which gives a stable
// encoding for equal payloads.
func Checksum(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize data: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum), nil
}

// VerifyChecksum returns ErrIntegrity when the record's stored checksum does
// not match its data.
func VerifyChecksum(rec *OfflineRecord) error {
	if rec.Checksum == "" {
		return fmt.Errorf("%w: record %s has no checksum", ErrIntegrity, rec.RecordID)
	}
	sum, err := Checksum(rec.Data)
	if err != nil {
		return err
	}
	if sum != rec.Checksum {
		return fmt.Errorf("%w: record %s", ErrIntegrity, rec.RecordID)
	}
	return nil
}
