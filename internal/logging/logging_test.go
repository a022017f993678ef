package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", "json")
	require.NoError(t, err)

	l.WithFields(Fields{"op": "task.accept"}).Info("committed")
	l.Debug("hidden")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "committed", line["msg"])
	require.Equal(t, "task.accept", line["op"])
	require.NotContains(t, buf.String(), "hidden")
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "WARN", "text")
	require.NoError(t, err)
	l.Info("quiet")
	l.Warn("loud")
	require.NotContains(t, buf.String(), "quiet")
	require.Contains(t, buf.String(), "loud")

	_, err = New(&buf, "chatty", "text")
	require.Error(t, err)
	_, err = New(&buf, "info", "xml")
	require.Error(t, err)
}
