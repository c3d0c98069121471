package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// RequestEvent captures one completed generation API interaction.
type RequestEvent struct {
	Model        string         `json:"model"`
	Modality     string         `json:"modality"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   time.Time      `json:"finished_at"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	TotalTokens  int64          `json:"total_tokens"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (e RequestEvent) DurationSeconds() float64 {
	d := e.FinishedAt.Sub(e.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// Note is a free-form pipeline event (chunk skipped, upload cached, ...).
type Note struct {
	Name      string         `json:"name"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunSummary aggregates a run's request events.
type RunSummary struct {
	TotalRequests        int                           `json:"total_requests"`
	TotalInputTokens     int64                         `json:"total_input_tokens"`
	TotalOutputTokens    int64                         `json:"total_output_tokens"`
	TotalTokens          int64                         `json:"total_tokens"`
	TotalDurationSeconds float64                       `json:"total_duration_seconds"`
	ByModel              map[string]map[string]float64 `json:"by_model"`
	ByModality           map[string]map[string]float64 `json:"by_modality"`
}

// RunMonitor collects request telemetry for the lifetime of one pipeline run.
type RunMonitor struct {
	mu     sync.Mutex
	events []RequestEvent
	notes  []Note
}

func NewRunMonitor() *RunMonitor {
	return &RunMonitor{}
}

func (m *RunMonitor) Record(event RequestEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *RunMonitor) NoteEvent(name string, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, Note{Name: name, Payload: payload, Timestamp: time.Now().UTC()})
}

func (m *RunMonitor) Events() []RequestEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RequestEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *RunMonitor) Summary() RunSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := RunSummary{
		ByModel:    make(map[string]map[string]float64),
		ByModality: make(map[string]map[string]float64),
	}
	for _, event := range m.events {
		summary.TotalRequests++
		summary.TotalInputTokens += event.InputTokens
		summary.TotalOutputTokens += event.OutputTokens
		summary.TotalTokens += event.TotalTokens
		summary.TotalDurationSeconds += event.DurationSeconds()

		accumulate(summary.ByModel, event.Model, event)
		accumulate(summary.ByModality, event.Modality, event)
	}
	return summary
}

func accumulate(into map[string]map[string]float64, key string, event RequestEvent) {
	bucket, ok := into[key]
	if !ok {
		bucket = make(map[string]float64)
		into[key] = bucket
	}
	bucket["requests"]++
	bucket["total_tokens"] += float64(event.TotalTokens)
	bucket["duration_seconds"] += event.DurationSeconds()
}

// Flush writes the run summary and the NDJSON event log next to the job's
// output. Both writes are atomic.
func (m *RunMonitor) Flush(summaryPath, eventsPath string) error {
	summary := m.Summary()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(summaryPath), 0o755); err != nil {
		return fmt.Errorf("create summary dir: %w", err)
	}
	if err := renameio.WriteFile(summaryPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run summary: %w", err)
	}

	m.mu.Lock()
	events := make([]RequestEvent, len(m.events))
	copy(events, m.events)
	notes := make([]Note, len(m.notes))
	copy(notes, m.notes)
	m.mu.Unlock()

	pending, err := renameio.NewPendingFile(eventsPath)
	if err != nil {
		return fmt.Errorf("create pending events file: %w", err)
	}
	defer pending.Cleanup()

	enc := json.NewEncoder(pending)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("encode request event: %w", err)
		}
	}
	for _, note := range notes {
		if err := enc.Encode(note); err != nil {
			return fmt.Errorf("encode note: %w", err)
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace events file: %w", err)
	}
	return nil
}
