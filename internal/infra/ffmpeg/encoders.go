package ffmpeg

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

// encoderSpecs is the static table of known H.264 encoders and the
// invocation args that produce a conformant normalized stream with each.
var encoderSpecs = map[entity.EncoderPreference]entity.EncoderSpec{
	entity.EncoderCPU: {
		Preference: entity.EncoderCPU,
		Codec:      "libx264",
		Args: []string{
			"-c:v", "libx264",
			"-preset", "medium",
			"-profile:v", "high",
			"-bf", "2",
		},
	},
	entity.EncoderNvenc: {
		Preference: entity.EncoderNvenc,
		Codec:      "h264_nvenc",
		Args: []string{
			"-c:v", "h264_nvenc",
			"-preset", "p5",
			"-rc:v", "vbr_hq",
			"-cq", "19",
			"-b:v", "6M",
			"-maxrate", "12M",
			"-bufsize", "24M",
			"-g", "240",
			"-bf", "3",
			"-profile:v", "high",
		},
		Accelerated: true,
	},
	entity.EncoderVideotoolbox: {
		Preference: entity.EncoderVideotoolbox,
		Codec:      "h264_videotoolbox",
		Args: []string{
			"-c:v", "h264_videotoolbox",
			"-allow_sw", "1",
			"-b:v", "6M",
			"-maxrate", "12M",
			"-bufsize", "24M",
			"-g", "240",
			"-profile:v", "high",
		},
		Accelerated: true,
	},
	entity.EncoderQSV: {
		Preference: entity.EncoderQSV,
		Codec:      "h264_qsv",
		Args: []string{
			"-c:v", "h264_qsv",
			"-preset", "medium",
			"-profile:v", "high",
			"-global_quality", "23",
			"-look_ahead", "1",
			"-g", "240",
		},
		Accelerated: true,
	},
	entity.EncoderAMF: {
		Preference: entity.EncoderAMF,
		Codec:      "h264_amf",
		Args: []string{
			"-c:v", "h264_amf",
			"-quality", "quality",
			"-usage", "transcoding",
			"-profile:v", "high",
			"-level", "4.1",
			"-rc", "cqp",
			"-qp_i", "20",
			"-qp_p", "23",
			"-qp_b", "25",
		},
		Accelerated: true,
	},
}

// EncoderCapabilityProvider answers which encoder codec names the local
// ffmpeg build supports. Injected so chain selection is testable without a
// real transcoder.
type EncoderCapabilityProvider interface {
	EncoderNames(ctx context.Context) map[string]struct{}
}

// FFmpegCapabilities probes `ffmpeg -encoders` once per process.
type FFmpegCapabilities struct {
	logger *zap.Logger

	once  sync.Once
	names map[string]struct{}
}

func NewFFmpegCapabilities(logger *zap.Logger) *FFmpegCapabilities {
	return &FFmpegCapabilities{logger: logger}
}

var encoderLine = regexp.MustCompile(`^\s*[A-Z.]{6}\s+(\S+)`)

func (c *FFmpegCapabilities) EncoderNames(ctx context.Context) map[string]struct{} {
	c.once.Do(func() {
		c.names = make(map[string]struct{})
		cmd := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders")
		output, err := cmd.Output()
		if err != nil {
			c.logger.Warn("could not list ffmpeg encoders", zap.Error(err))
			return
		}
		for _, line := range strings.Split(string(output), "\n") {
			if match := encoderLine.FindStringSubmatch(line); match != nil {
				c.names[match[1]] = struct{}{}
			}
		}
		c.logger.Debug("probed ffmpeg encoders", zap.Int("count", len(c.names)))
	})
	return c.names
}

// Selector orders the encoder table into a fallback chain against the local
// capability set. The CPU encoder is always present as the final fallback.
type Selector struct {
	caps   EncoderCapabilityProvider
	logger *zap.Logger
	goos   string
}

func NewSelector(caps EncoderCapabilityProvider, logger *zap.Logger) *Selector {
	return &Selector{caps: caps, logger: logger, goos: runtime.GOOS}
}

func autoPriority(goos string) []entity.EncoderPreference {
	switch goos {
	case "darwin":
		return []entity.EncoderPreference{entity.EncoderVideotoolbox, entity.EncoderNvenc, entity.EncoderQSV, entity.EncoderAMF}
	case "windows":
		return []entity.EncoderPreference{entity.EncoderNvenc, entity.EncoderAMF, entity.EncoderQSV, entity.EncoderVideotoolbox}
	default:
		return []entity.EncoderPreference{entity.EncoderNvenc, entity.EncoderQSV, entity.EncoderAMF, entity.EncoderVideotoolbox}
	}
}

// SelectChain builds the ordered fallback chain for a preference.
func (s *Selector) SelectChain(ctx context.Context, preference entity.EncoderPreference) []entity.EncoderSpec {
	available := s.caps.EncoderNames(ctx)
	cpuSpec := encoderSpecs[entity.EncoderCPU]

	supports := func(pref entity.EncoderPreference) bool {
		spec, ok := encoderSpecs[pref]
		if !ok {
			return false
		}
		_, found := available[spec.Codec]
		return found
	}

	switch preference {
	case entity.EncoderAuto:
		var chain []entity.EncoderSpec
		for _, candidate := range autoPriority(s.goos) {
			if supports(candidate) {
				spec := encoderSpecs[candidate]
				s.logger.Info("auto-selected hardware encoder", zap.String("codec", spec.Codec))
				chain = append(chain, spec)
				break
			}
		}
		if len(chain) == 0 {
			s.logger.Info("no hardware encoder detected, using libx264")
		}
		return append(chain, cpuSpec)

	case entity.EncoderCPU:
		return []entity.EncoderSpec{cpuSpec}

	default:
		spec, ok := encoderSpecs[preference]
		if !ok {
			// Preferences without a table row (vaapi) fall back to CPU.
			s.logger.Warn("encoder preference has no spec, using libx264",
				zap.String("preference", string(preference)))
			return []entity.EncoderSpec{cpuSpec}
		}
		if supports(preference) {
			return []entity.EncoderSpec{spec, cpuSpec}
		}
		s.logger.Warn("requested encoder not available, using libx264",
			zap.String("codec", spec.Codec))
		return []entity.EncoderSpec{cpuSpec}
	}
}
