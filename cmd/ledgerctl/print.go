package main

import (
	"encoding/json"
	"fmt"
	"io"

	"taskledger/pkg/eventgraph"
	"taskledger/pkg/milestone"
	"taskledger/pkg/task"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printShortEvents(w io.Writer, events []eventgraph.Event) {
	for _, e := range events {
		ts := e.Timestamp.Format("15:04:05")
		content := ""
		if b, err := json.Marshal(e.Content); err == nil {
			content = string(b)
		}
		fmt.Fprintf(w, "%-8s  %-24s  %-16s  %s\n", ts, truncStr(e.Type, 24), truncStr(e.Source, 16), truncStr(content, 80))
	}
}

func printShortTasks(w io.Writer, tasks []task.Task) {
	for _, t := range tasks {
		fmt.Fprintf(w, "%-8s  %-16s  %-16s  %d\n", t.ID.String()[:8], t.Status, truncStr(t.Client, 16), t.Amount)
	}
}

func printShortMilestones(w io.Writer, ms []milestone.Milestone) {
	for _, m := range ms {
		state := "open"
		switch {
		case m.Completed && m.Approved:
			state = "approved"
		case m.Completed:
			state = "rejected"
		}
		fmt.Fprintf(w, "%3d  %-8s  %d/%d/%d  %s\n", m.Index, state, m.Approvals, m.Rejections, m.RequiredApprovals, truncStr(m.Title, 60))
	}
}
