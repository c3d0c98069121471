package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/renameio/v2"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

const Version = 1

type ChunkStatus string

const (
	ChunkPending ChunkStatus = "pending"
	ChunkRunning ChunkStatus = "running"
	ChunkDone    ChunkStatus = "done"
	ChunkSkipped ChunkStatus = "skipped"
)

func (s ChunkStatus) Terminal() bool {
	return s == ChunkDone || s == ChunkSkipped
}

// ChunkRecord tracks one segment's progress across runs.
type ChunkRecord struct {
	Index        int         `json:"index"`
	Path         string      `json:"path"`
	StartSeconds float64     `json:"start_seconds"`
	EndSeconds   float64     `json:"end_seconds"`
	Status       ChunkStatus `json:"status"`
	ResponsePath string      `json:"response_path,omitempty"`
	FileURI      string      `json:"file_uri,omitempty"`
}

// Manifest is the single source of truth for resumability: which segments a
// job was split into and how far each one got. It is loaded (or created
// fresh) on every run, reconciled against the segments about to be
// processed, and rewritten atomically.
type Manifest struct {
	Version         int           `json:"version"`
	SourcePath      string        `json:"source_path,omitempty"`
	SourceHash      string        `json:"source_hash,omitempty"`
	NormalizedPath  string        `json:"normalized_path,omitempty"`
	NormalizedHash  string        `json:"normalized_hash,omitempty"`
	DurationSeconds float64       `json:"duration_seconds,omitempty"`
	CreatedUTC      time.Time     `json:"created_utc"`
	UpdatedUTC      time.Time     `json:"updated_utc"`
	Chunks          []ChunkRecord `json:"chunks"`
}

func New() *Manifest {
	return &Manifest{Version: Version, CreatedUTC: time.Now().UTC(), Chunks: []ChunkRecord{}}
}

// Load reads the manifest at path. An absent or corrupt file yields a fresh
// manifest, never an error: losing resume state degrades to redoing work.
func Load(path string) *Manifest {
	data, err := os.ReadFile(path)
	if err != nil {
		return New()
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return New()
	}
	if m.Version == 0 {
		m.Version = Version
	}
	if m.CreatedUTC.IsZero() {
		m.CreatedUTC = time.Now().UTC()
	}
	return &m
}

// Chunk returns the record for index, or nil.
func (m *Manifest) Chunk(index int) *ChunkRecord {
	for i := range m.Chunks {
		if m.Chunks[i].Index == index {
			return &m.Chunks[i]
		}
	}
	return nil
}

// Reconcile aligns the manifest with the segments about to be processed.
// Missing entries are appended as pending; existing entries keep their
// status and file URI but have path and boundaries refreshed, since segment
// files may have moved between runs.
func (m *Manifest) Reconcile(segments []entity.Segment) {
	for _, seg := range segments {
		record := m.Chunk(seg.Index)
		if record == nil {
			m.Chunks = append(m.Chunks, ChunkRecord{
				Index:        seg.Index,
				Path:         seg.Path,
				StartSeconds: seg.StartSeconds,
				EndSeconds:   seg.EndSeconds,
				Status:       ChunkPending,
			})
			continue
		}
		record.Path = seg.Path
		record.StartSeconds = seg.StartSeconds
		record.EndSeconds = seg.EndSeconds
	}
	sort.Slice(m.Chunks, func(i, j int) bool { return m.Chunks[i].Index < m.Chunks[j].Index })
}

// Save atomically rewrites the manifest so a crash mid-write never leaves a
// truncated file behind.
func (m *Manifest) Save(path string) error {
	m.UpdatedUTC = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	if err := renameio.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("atomically write manifest: %w", err)
	}
	return nil
}

// Sha256File streams path through SHA-256 for the provenance fields.
func Sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}
