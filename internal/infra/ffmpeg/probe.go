package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type Prober struct {
	logger *zap.Logger
}

func NewProber(logger *zap.Logger) *Prober {
	return &Prober{logger: logger}
}

type probeFormat struct {
	Duration string `json:"duration"`
	Size     string `json:"size"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	SampleRate   string `json:"sample_rate"`
	Duration     string `json:"duration"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// Probe extracts duration, size and codec facts via ffprobe's JSON output.
func (p *Prober) Probe(ctx context.Context, path string) (*entity.MediaMetadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe failed for %s: %s", path, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var probed probeOutput
	if err := json.Unmarshal(output, &probed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	meta := &entity.MediaMetadata{Path: path}
	meta.DurationSeconds = parseFloat(probed.Format.Duration)
	meta.SizeBytes = uint64(parseInt(probed.Format.Size))
	if meta.SizeBytes == 0 {
		if info, err := os.Stat(path); err == nil {
			meta.SizeBytes = uint64(info.Size())
		}
	}

	for _, stream := range probed.Streams {
		switch stream.CodecType {
		case "video":
			meta.VideoCodec = stream.CodecName
			meta.Width = stream.Width
			meta.Height = stream.Height
			rate := stream.AvgFrameRate
			if rate == "" || rate == "0/0" {
				rate = stream.RFrameRate
			}
			meta.FPS = parseRate(rate)
			if meta.DurationSeconds == 0 {
				meta.DurationSeconds = parseFloat(stream.Duration)
			}
		case "audio":
			meta.AudioCodec = stream.CodecName
			meta.AudioSampleRate = int(parseInt(stream.SampleRate))
			if meta.DurationSeconds == 0 {
				meta.DurationSeconds = parseFloat(stream.Duration)
			}
		}
	}

	if meta.DurationSeconds < 0 {
		meta.DurationSeconds = 0
	}

	p.logger.Debug("probed media",
		zap.String("path", path),
		zap.Float64("duration_seconds", meta.DurationSeconds),
		zap.Uint64("size_bytes", meta.SizeBytes),
		zap.String("video_codec", meta.VideoCodec),
	)
	return meta, nil
}

// parseRate handles ffprobe's "num/den" frame rates.
func parseRate(rate string) float64 {
	if rate == "" {
		return 0
	}
	if num, den, ok := strings.Cut(rate, "/"); ok {
		n := parseFloat(num)
		d := parseFloat(den)
		if d == 0 {
			return 0
		}
		return n / d
	}
	return parseFloat(rate)
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(value string) int64 {
	i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return i
}
