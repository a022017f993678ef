package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/milestone"
	"taskledger/pkg/task"
)

func TestTruncStr(t *testing.T) {
	require.Equal(t, "short", truncStr("short", 10))
	require.Equal(t, "abcdefg...", truncStr("abcdefghijklmnop", 10))
}

func TestPrintShort(t *testing.T) {
	var buf bytes.Buffer
	id := task.DeriveID("c", "p")
	printShortTasks(&buf, []task.Task{{ID: id, Status: task.Accepted, Client: "client-1", Amount: 500}})
	require.True(t, strings.HasPrefix(buf.String(), id.String()[:8]))
	require.Contains(t, buf.String(), "ACCEPTED")

	buf.Reset()
	printShortMilestones(&buf, []milestone.Milestone{
		{Index: 0, Title: "Phase 1", RequiredApprovals: 2, Approvals: 2, Completed: true, Approved: true},
		{Index: 1, Title: "Phase 2", RequiredApprovals: 2, Rejections: 1},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "approved")
	require.Contains(t, lines[1], "open")

	buf.Reset()
	printShortEvents(&buf, []eventgraph.Event{{
		Type:      "vote.cast",
		Source:    "A",
		Timestamp: time.Date(2026, 1, 2, 13, 4, 5, 0, time.UTC),
		Content:   map[string]any{"approve": true},
	}})
	require.Contains(t, buf.String(), "13:04:05")
	require.Contains(t, buf.String(), `{"approve":true}`)
}
