package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
)

// Normalizer transcodes a source into the canonical MP4/H.264/AAC container,
// trying each encoder in the selected chain until one succeeds.
type Normalizer struct {
	selector   *Selector
	prober     *Prober
	preference entity.EncoderPreference
	logger     *zap.Logger
}

func NewNormalizer(selector *Selector, prober *Prober, preference entity.EncoderPreference, logger *zap.Logger) *Normalizer {
	return &Normalizer{selector: selector, prober: prober, preference: preference, logger: logger}
}

func (n *Normalizer) Normalize(ctx context.Context, sourcePath, outputDir string) (*port.NormalizationResult, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	normalized := filepath.Join(outputDir, stem+"-normalized.mp4")

	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	chain := n.selector.SelectChain(ctx, n.preference)

	// Freshness check by mtime, not content hash; copied files or clock
	// skew can defeat it. See the manifest hash fields for provenance.
	if info, err := os.Stat(normalized); err == nil && !info.ModTime().Before(sourceInfo.ModTime()) {
		if _, err := n.prober.Probe(ctx, normalized); err == nil {
			n.logger.Info("reusing existing normalized file", zap.String("path", normalized))
			return &port.NormalizationResult{
				Path:           normalized,
				Encoder:        chain[0],
				ReusedExisting: true,
				EncoderKnown:   false,
			}, nil
		}
		// A stale run left a corrupt artifact behind; re-create it.
		_ = os.Remove(normalized)
	}

	var lastErr error
	for _, spec := range chain {
		args := []string{"-y", "-i", sourcePath}
		args = append(args, spec.Args...)
		args = append(args,
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			"-c:a", "aac",
			"-b:a", "192k",
			normalized,
		)

		cmd := exec.CommandContext(ctx, "ffmpeg", args...)
		output, err := cmd.CombinedOutput()
		if err == nil {
			n.logger.Info("normalized media",
				zap.String("encoder", spec.Label()),
				zap.String("path", normalized),
			)
			return &port.NormalizationResult{
				Path:         normalized,
				Encoder:      spec,
				EncoderKnown: true,
			}, nil
		}

		lastErr = fmt.Errorf("ffmpeg (%s): %w: %s", spec.Codec, err, lastLine(string(output)))
		n.logger.Warn("encoder failed, trying next in chain",
			zap.String("encoder", spec.Label()),
			zap.Error(lastErr),
		)
		_ = os.Remove(normalized)
	}

	if lastErr == nil {
		lastErr = errors.New("empty encoder chain")
	}
	return nil, fmt.Errorf("normalize %s: %w", sourcePath, lastErr)
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
