package eventgraph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeHash(t *testing.T) {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	content, _ := json.Marshal(map[string]any{"key": "value"})

	h1 := computeHash("", "id1", "task.created", "backend", "rec", now, content)
	h2 := computeHash("", "id1", "task.created", "backend", "rec", now, content)
	require.Equal(t, h1, h2, "same inputs should produce same hash")

	h3 := computeHash("", "id2", "task.created", "backend", "rec", now, content)
	require.NotEqual(t, h1, h3, "different ID should produce different hash")

	h4 := computeHash("prevhash", "id1", "task.created", "backend", "rec", now, content)
	require.NotEqual(t, h1, h4, "different prevHash should produce different hash")

	h5 := computeHash("", "id1", "task.created", "backend", "other", now, content)
	require.NotEqual(t, h1, h5, "different record should produce different hash")
}

func TestComputeHashDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// json.Marshal sorts map keys
	content1, _ := json.Marshal(map[string]any{"a": 1, "b": 2})
	content2, _ := json.Marshal(map[string]any{"b": 2, "a": 1})

	h1 := computeHash("", "id", "type", "src", "rec", now, content1)
	h2 := computeHash("", "id", "type", "src", "rec", now, content2)
	require.Equal(t, h1, h2)
}

func TestCheckLinkAcceptsRawContent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := []byte(`{"b": 2,  "a": 1}`)
	e := &Event{ID: "id", Type: "t", Source: "s", RecordID: "r", Timestamp: now,
		Content: map[string]any{"a": float64(1), "b": float64(2)}}
	e.Hash = computeHash("", e.ID, e.Type, e.Source, e.RecordID, now, raw)

	require.NoError(t, checkLink(0, e, "", raw))
	require.Error(t, checkLink(0, e, "", nil))
	require.Error(t, checkLink(0, e, "other", raw))
}
