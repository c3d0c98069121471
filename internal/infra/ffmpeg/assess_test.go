package ffmpeg

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type stubProber struct {
	meta *entity.MediaMetadata
	err  error
}

func (p *stubProber) Probe(context.Context, string) (*entity.MediaMetadata, error) {
	return p.meta, p.err
}

func writeBoxes(t *testing.T, path string, types ...string) {
	t.Helper()
	var data []byte
	for _, boxType := range types {
		size := make([]byte, 4)
		binary.BigEndian.PutUint32(size, 8)
		data = append(data, size...)
		data = append(data, boxType...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestMoovBeforeMdat(t *testing.T) {
	dir := t.TempDir()

	faststart := filepath.Join(dir, "faststart.mp4")
	writeBoxes(t, faststart, "ftyp", "moov", "mdat")
	assert.True(t, moovBeforeMdat(faststart))

	slow := filepath.Join(dir, "slow.mp4")
	writeBoxes(t, slow, "ftyp", "mdat", "moov")
	assert.False(t, moovBeforeMdat(slow))

	noMoov := filepath.Join(dir, "nomoov.mp4")
	writeBoxes(t, noMoov, "ftyp", "mdat")
	assert.False(t, moovBeforeMdat(noMoov))

	assert.False(t, moovBeforeMdat(filepath.Join(dir, "missing.mp4")))
}

func TestAssessNormalizationAcceptsCompliantSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ready.mp4")
	writeBoxes(t, path, "ftyp", "moov", "mdat")

	prober := &stubProber{meta: &entity.MediaMetadata{
		VideoCodec:      "h264",
		AudioCodec:      "aac",
		AudioSampleRate: 48000,
	}}

	acceptable, checks, meta := AssessNormalization(context.Background(), prober, path)
	assert.True(t, acceptable)
	assert.True(t, checks["faststart"])
	require.NotNil(t, meta)
}

func TestAssessNormalizationRejectsForeignCodec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vp9.mp4")
	writeBoxes(t, path, "ftyp", "moov", "mdat")

	prober := &stubProber{meta: &entity.MediaMetadata{
		VideoCodec:      "vp9",
		AudioCodec:      "aac",
		AudioSampleRate: 48000,
	}}

	acceptable, checks, _ := AssessNormalization(context.Background(), prober, path)
	assert.False(t, acceptable)
	assert.False(t, checks["video_codec"])
}

func TestAssessNormalizationProbeFailure(t *testing.T) {
	prober := &stubProber{err: errors.New("ffprobe exited 1")}

	acceptable, checks, meta := AssessNormalization(context.Background(), prober, "whatever.mp4")
	assert.False(t, acceptable)
	assert.False(t, checks["probe"])
	assert.Nil(t, meta)
}
