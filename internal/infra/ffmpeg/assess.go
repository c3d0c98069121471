package ffmpeg

import (
	"context"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
)

var (
	acceptableVideoCodecs = map[string]struct{}{"h264": {}, "avc1": {}}
	acceptableAudioCodecs = map[string]struct{}{"aac": {}, "mp4a": {}}
	acceptableSampleRates = map[int]struct{}{0: {}, 44100: {}, 48000: {}}
)

// AssessNormalization checks whether a source already satisfies the minimal
// constraints that let the pipeline skip re-encoding: readable container,
// baseline codecs and sample rate, and a streamable MP4 layout (moov before
// mdat). It does not verify the stricter properties a full normalize
// enforces (keyframe cadence, bitrate ceilings), so callers still need the
// fallback path.
func AssessNormalization(ctx context.Context, prober port.MediaProber, path string) (bool, map[string]bool, *entity.MediaMetadata) {
	checks := make(map[string]bool)

	meta, err := prober.Probe(ctx, path)
	if err != nil {
		checks["probe"] = false
		return false, checks, nil
	}
	checks["probe"] = true

	_, videoOK := acceptableVideoCodecs[strings.ToLower(meta.VideoCodec)]
	checks["video_codec"] = videoOK

	audioOK := meta.AudioCodec == ""
	if !audioOK {
		_, audioOK = acceptableAudioCodecs[strings.ToLower(meta.AudioCodec)]
	}
	checks["audio_codec"] = audioOK

	_, rateOK := acceptableSampleRates[meta.AudioSampleRate]
	checks["audio_rate"] = rateOK

	checks["faststart"] = moovBeforeMdat(path)

	acceptable := true
	for _, ok := range checks {
		if !ok {
			acceptable = false
			break
		}
	}
	return acceptable, checks, meta
}

// moovBeforeMdat walks the top-level MP4 boxes and reports whether the moov
// atom precedes mdat, which the generation API needs for streamed reads.
func moovBeforeMdat(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var moovOffset, mdatOffset int64 = -1, -1
	var offset int64

	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			break
		}
		boxSize := int64(binary.BigEndian.Uint32(header[:4]))
		boxType := string(header[4:8])
		headerSize := int64(8)

		if boxSize == 1 {
			extended := make([]byte, 8)
			if _, err := io.ReadFull(f, extended); err != nil {
				break
			}
			boxSize = int64(binary.BigEndian.Uint64(extended))
			headerSize = 16
		}
		if boxSize < headerSize {
			break
		}

		switch boxType {
		case "moov":
			moovOffset = offset
		case "mdat":
			mdatOffset = offset
		}
		if moovOffset >= 0 && mdatOffset >= 0 {
			break
		}

		if _, err := f.Seek(boxSize-headerSize, io.SeekCurrent); err != nil {
			break
		}
		offset += boxSize
	}

	return moovOffset >= 0 && mdatOffset >= 0 && moovOffset < mdatOffset
}
