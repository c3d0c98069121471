package telemetry

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryAggregatesByModelAndModality(t *testing.T) {
	m := NewRunMonitor()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	m.Record(RequestEvent{
		Model: "gemini-2.5-flash", Modality: "video",
		StartedAt: base, FinishedAt: base.Add(2 * time.Second),
		InputTokens: 100, OutputTokens: 20, TotalTokens: 120,
	})
	m.Record(RequestEvent{
		Model: "gemini-2.5-pro", Modality: "video",
		StartedAt: base, FinishedAt: base.Add(3 * time.Second),
		InputTokens: 200, OutputTokens: 50, TotalTokens: 250,
	})

	summary := m.Summary()
	assert.Equal(t, 2, summary.TotalRequests)
	assert.Equal(t, int64(370), summary.TotalTokens)
	assert.InDelta(t, 5.0, summary.TotalDurationSeconds, 0.001)
	assert.Equal(t, float64(1), summary.ByModel["gemini-2.5-flash"]["requests"])
	assert.Equal(t, float64(2), summary.ByModality["video"]["requests"])
}

func TestFlushWritesSummaryAndEventLog(t *testing.T) {
	dir := t.TempDir()
	m := NewRunMonitor()
	now := time.Now().UTC()

	m.Record(RequestEvent{Model: "gemini-2.5-flash", Modality: "video", StartedAt: now, FinishedAt: now, TotalTokens: 10})
	m.NoteEvent("chunk_reused", map[string]any{"index": 2})

	summaryPath := filepath.Join(dir, "reports", "summary.json")
	eventsPath := filepath.Join(dir, "reports", "events.ndjson")
	require.NoError(t, m.Flush(summaryPath, eventsPath))

	assert.FileExists(t, summaryPath)

	f, err := os.Open(eventsPath)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	assert.Equal(t, 2, lines, "one request event and one note")
}

func TestNegativeDurationClampsToZero(t *testing.T) {
	now := time.Now()
	event := RequestEvent{StartedAt: now, FinishedAt: now.Add(-time.Second)}
	assert.Zero(t, event.DurationSeconds())
}
