package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

func TestLoadMissingFileReturnsFresh(t *testing.T) {
	m := Load(filepath.Join(t.TempDir(), "chunks.json"))
	require.NotNil(t, m)
	assert.Equal(t, Version, m.Version)
	assert.Empty(t, m.Chunks)
}

func TestLoadCorruptFileReturnsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	m := Load(path)
	require.NotNil(t, m)
	assert.Empty(t, m.Chunks)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "chunks.json")

	m := New()
	m.SourcePath = "/media/lecture.mp4"
	m.DurationSeconds = 5400
	m.Chunks = []ChunkRecord{
		{Index: 0, Path: "/media/chunk00.mp4", EndSeconds: 3600, Status: ChunkDone, ResponsePath: "/out/chunk00.txt"},
		{Index: 1, Path: "/media/chunk01.mp4", StartSeconds: 3600, EndSeconds: 5400, Status: ChunkPending},
	}
	require.NoError(t, m.Save(path))

	loaded := Load(path)
	assert.Equal(t, m.SourcePath, loaded.SourcePath)
	require.Len(t, loaded.Chunks, 2)
	assert.Equal(t, ChunkDone, loaded.Chunks[0].Status)
	assert.Equal(t, "/out/chunk00.txt", loaded.Chunks[0].ResponsePath)
	assert.False(t, loaded.UpdatedUTC.IsZero())
}

func TestReconcileAppendsMissingEntries(t *testing.T) {
	m := New()
	m.Chunks = []ChunkRecord{
		{Index: 1, Path: "/old/chunk01.mp4", Status: ChunkDone, FileURI: "files/abc"},
	}

	segments := []entity.Segment{
		{Index: 0, StartSeconds: 0, EndSeconds: 100, Path: "/new/chunk00.mp4"},
		{Index: 1, StartSeconds: 100, EndSeconds: 200, Path: "/new/chunk01.mp4"},
	}
	m.Reconcile(segments)

	require.Len(t, m.Chunks, 2)
	assert.Equal(t, 0, m.Chunks[0].Index)
	assert.Equal(t, ChunkPending, m.Chunks[0].Status)

	// The existing record keeps its progress but gets the fresh path.
	assert.Equal(t, ChunkDone, m.Chunks[1].Status)
	assert.Equal(t, "files/abc", m.Chunks[1].FileURI)
	assert.Equal(t, "/new/chunk01.mp4", m.Chunks[1].Path)
	assert.Equal(t, 100.0, m.Chunks[1].StartSeconds)
}

func TestChunkLookup(t *testing.T) {
	m := New()
	m.Chunks = []ChunkRecord{{Index: 3, Status: ChunkPending}}

	require.NotNil(t, m.Chunk(3))
	assert.Nil(t, m.Chunk(0))

	m.Chunk(3).Status = ChunkDone
	assert.Equal(t, ChunkDone, m.Chunks[0].Status)
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, ChunkDone.Terminal())
	assert.True(t, ChunkSkipped.Terminal())
	assert.False(t, ChunkPending.Terminal())
	assert.False(t, ChunkRunning.Terminal())
}

func TestSha256File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	sum, err := Sha256File(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}
