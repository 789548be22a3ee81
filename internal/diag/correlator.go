// Package diag correlates failed or silent runs with entries from an
// external structured-log sink. Correlation is strictly best-effort:
// every failure of the correlator itself degrades to a single synthetic
// entry so diagnostics can never cause a secondary failure of a run.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Entry is one structured log record from the sink.
type Entry struct {
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Filter narrows a log sink query. SessionID, when set, is matched by
// the sink across its common session field names.
type Filter struct {
	Resource    string    `json:"resource"`
	MinSeverity string    `json:"min_severity"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	SessionID   string    `json:"session_id,omitempty"`
}

// LogSink is the external log store boundary.
type LogSink interface {
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

const (
	maxEntries       = 5
	maxEntryLen      = 512
	lookAheadWindow  = 5 * time.Minute
	minEntrySeverity = "WARNING"
)

type Correlator struct {
	Sink LogSink
	Log  *slog.Logger

	nowFn func() time.Time
}

func NewCorrelator(sink LogSink, log *slog.Logger) *Correlator {
	return &Correlator{Sink: sink, Log: log, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Correlate returns up to five formatted log lines for the given
// deployment around the run's start time.
func (c *Correlator) Correlate(ctx context.Context, deploymentID, sessionID string, start time.Time) []string {
	if c.Sink == nil || deploymentID == "" {
		return nil
	}
	now := time.Now().UTC()
	if c.nowFn != nil {
		now = c.nowFn().UTC()
	}
	end := start.Add(lookAheadWindow)
	if end.After(now) {
		end = now
	}

	entries, err := c.Sink.Query(ctx, Filter{
		Resource:    deploymentID,
		MinSeverity: minEntrySeverity,
		Start:       start,
		End:         end,
		SessionID:   sessionID,
	})
	if err != nil {
		if c.Log != nil {
			c.Log.Warn("log correlation failed", "deployment", deploymentID, "error", err)
		}
		return []string{fmt.Sprintf("log fetch failed: %v", err)}
	}
	if len(entries) == 0 {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		msg := entry.Message
		if len(msg) > maxEntryLen {
			msg = msg[:maxEntryLen] + "..."
		}
		out = append(out, fmt.Sprintf("[%s @ %s]: %s", entry.Severity, entry.Timestamp.UTC().Format(time.RFC3339), msg))
	}
	return out
}
