package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Job is one transcription request: a single media object that may be split
// into many segments. Per-segment progress lives in the on-disk manifest;
// the job row only tracks run-level state.
type Job struct {
	ID            uuid.UUID
	UserID        string
	MediaKey      string
	TranscriptKey string
	Status        JobStatus
	Model         string
	ChunkCount    int
	FileSize      int64
	MediaDuration float64
	TotalTokens   int64
	Attempt       int
	MaxAttempts   int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

func NewJob(userID, mediaKey, model string, fileSize int64, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		UserID:      userID,
		MediaKey:    mediaKey,
		Model:       model,
		FileSize:    fileSize,
		Status:      JobStatusPending,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.Attempt++
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) MarkCompleted(transcriptKey string, chunkCount int, duration float64, totalTokens int64) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.TranscriptKey = transcriptKey
	j.ChunkCount = chunkCount
	j.MediaDuration = duration
	j.TotalTokens = totalTokens
	j.UpdatedAt = now
	j.CompletedAt = &now
}

func (j *Job) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
}

func (j *Job) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}
