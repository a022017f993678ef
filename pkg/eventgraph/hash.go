package eventgraph

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// computeHash computes a SHA-256 hash for chain integrity.
func computeHash(prevHash, id, eventType, source, recordID string, timestamp time.Time, contentJSON []byte) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s", prevHash, id, eventType, source, recordID, timestamp.UnixNano(), string(contentJSON))
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// checkLink verifies e against the hash of its predecessor. raw, when
// non-nil, is the content as originally stored; PostgreSQL JSONB may
// normalize it so both forms are accepted.
func checkLink(i int, e *Event, prevHash string, raw []byte) error {
	if e.PrevHash != prevHash {
		return fmt.Errorf("event %d (%s): prev_hash mismatch: got %s, want %s", i, e.ID, e.PrevHash, prevHash)
	}
	remarshal, err := json.Marshal(e.Content)
	if err != nil {
		return fmt.Errorf("event %d (%s): marshal content: %w", i, e.ID, err)
	}
	expected := computeHash(prevHash, e.ID, e.Type, e.Source, e.RecordID, e.Timestamp, remarshal)
	if e.Hash == expected {
		return nil
	}
	if raw != nil {
		if e.Hash == computeHash(prevHash, e.ID, e.Type, e.Source, e.RecordID, e.Timestamp, raw) {
			return nil
		}
	}
	return fmt.Errorf("event %d (%s): hash mismatch: got %s, want %s", i, e.ID, e.Hash, expected)
}
