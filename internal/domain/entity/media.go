package entity

import "fmt"

// MediaMetadata holds the ffprobe facts about one source file. It is produced
// once per source and never mutated afterwards. A zero duration is valid and
// means the planner treats the file as a single degenerate chunk.
type MediaMetadata struct {
	Path            string
	DurationSeconds float64
	SizeBytes       uint64
	FPS             float64
	Width           int
	Height          int
	VideoCodec      string
	AudioCodec      string
	AudioSampleRate int
}

// ChunkBoundary is a half-open slice of the source timeline in seconds.
// For a plan of N boundaries: boundary 0 starts at 0, each end equals the
// next start, and the last end equals the source duration exactly.
type ChunkBoundary struct {
	StartSeconds float64
	EndSeconds   float64
}

// Segment is a materialized boundary: a physical file covering
// [StartSeconds, EndSeconds) of the normalized media. Index is the stable
// ordering key; transcript reassembly is always by ascending Index, never
// by completion order.
type Segment struct {
	Index        int
	StartSeconds float64
	EndSeconds   float64
	Path         string
}

func (s Segment) DurationSeconds() float64 {
	d := s.EndSeconds - s.StartSeconds
	if d < 0 {
		return 0
	}
	return d
}

// StartISO and EndISO render offsets as ISO-8601 durations ("PT1H2M3S"),
// the format the generation API expects for video offsets.
func (s Segment) StartISO() string { return SecondsToISO8601(s.StartSeconds) }
func (s Segment) EndISO() string   { return SecondsToISO8601(s.EndSeconds) }

func SecondsToISO8601(value float64) string {
	total := int64(value + 0.5)
	if total < 0 {
		total = 0
	}
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("PT%dH%dM%dS", hours, minutes, seconds)
}
