package entity

import "github.com/google/uuid"

// TranscriptionJobMessage is the inbound message from the transcription.jobs queue.
type TranscriptionJobMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    string    `json:"user_id"`
	MediaKey  string    `json:"media_key"`
	FileSize  int64     `json:"file_size"`
	Model     string    `json:"model,omitempty"`
	UserEmail string    `json:"user_email"`
}

// TranscriptionStatusMessage is the outbound message published to the transcription.status queue.
type TranscriptionStatusMessage struct {
	JobID         uuid.UUID `json:"job_id"`
	UserID        string    `json:"user_id"`
	Status        JobStatus `json:"status"`
	MediaKey      string    `json:"media_key"`
	TranscriptKey string    `json:"transcript_key,omitempty"`
	ChunkCount    int       `json:"chunk_count,omitempty"`
	Duration      float64   `json:"duration_seconds,omitempty"`
	TotalTokens   int64     `json:"total_tokens,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"max_attempts"`
}
