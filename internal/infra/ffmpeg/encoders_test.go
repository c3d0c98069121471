package ffmpeg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type staticCaps struct {
	names map[string]struct{}
}

func (s staticCaps) EncoderNames(context.Context) map[string]struct{} { return s.names }

func capsWith(names ...string) staticCaps {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return staticCaps{names: set}
}

func newTestSelector(goos string, caps staticCaps) *Selector {
	s := NewSelector(caps, zap.NewNop())
	s.goos = goos
	return s
}

func TestSelectChainAutoPrefersPlatformHardware(t *testing.T) {
	s := newTestSelector("darwin", capsWith("libx264", "h264_videotoolbox", "h264_nvenc"))

	chain := s.SelectChain(context.Background(), entity.EncoderAuto)
	require.Len(t, chain, 2)
	assert.Equal(t, "h264_videotoolbox", chain[0].Codec)
	assert.Equal(t, "libx264", chain[1].Codec)
}

func TestSelectChainAutoLinuxOrder(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264", "h264_qsv", "h264_amf"))

	chain := s.SelectChain(context.Background(), entity.EncoderAuto)
	require.Len(t, chain, 2)
	assert.Equal(t, "h264_qsv", chain[0].Codec)
}

func TestSelectChainAutoFallsBackToCPU(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264"))

	chain := s.SelectChain(context.Background(), entity.EncoderAuto)
	require.Len(t, chain, 1)
	assert.Equal(t, "libx264", chain[0].Codec)
	assert.False(t, chain[0].Accelerated)
}

func TestSelectChainExplicitPreference(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264", "h264_nvenc"))

	chain := s.SelectChain(context.Background(), entity.EncoderNvenc)
	require.Len(t, chain, 2)
	assert.Equal(t, "h264_nvenc", chain[0].Codec)
	assert.True(t, chain[0].Accelerated)
	assert.Equal(t, "libx264", chain[1].Codec)
}

func TestSelectChainUnavailablePreferenceUsesCPU(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264"))

	chain := s.SelectChain(context.Background(), entity.EncoderNvenc)
	require.Len(t, chain, 1)
	assert.Equal(t, "libx264", chain[0].Codec)
}

func TestSelectChainCPUOnly(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264", "h264_nvenc"))

	chain := s.SelectChain(context.Background(), entity.EncoderCPU)
	require.Len(t, chain, 1)
	assert.Equal(t, "libx264", chain[0].Codec)
}

func TestSelectChainPreferenceWithoutSpec(t *testing.T) {
	s := newTestSelector("linux", capsWith("libx264", "h264_vaapi"))

	chain := s.SelectChain(context.Background(), entity.EncoderVAAPI)
	require.Len(t, chain, 1)
	assert.Equal(t, "libx264", chain[0].Codec)
}

func TestParseEncoderPreference(t *testing.T) {
	pref, err := entity.ParseEncoderPreference(" NVENC ")
	require.NoError(t, err)
	assert.Equal(t, entity.EncoderNvenc, pref)

	pref, err = entity.ParseEncoderPreference("")
	require.NoError(t, err)
	assert.Equal(t, entity.EncoderAuto, pref)

	_, err = entity.ParseEncoderPreference("quantum")
	assert.Error(t, err)
}

func TestParseRate(t *testing.T) {
	assert.InDelta(t, 29.97, parseRate("30000/1001"), 0.001)
	assert.Equal(t, 25.0, parseRate("25"))
	assert.Zero(t, parseRate("0/0"))
	assert.Zero(t, parseRate(""))
}
