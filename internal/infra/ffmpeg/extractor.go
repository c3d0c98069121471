package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
)

// Extractor materializes planned boundaries as physical segment files using
// lossless container-level cuts (no re-encode).
type Extractor struct {
	workers int
	logger  *zap.Logger
}

func NewExtractor(workers int, logger *zap.Logger) *Extractor {
	if workers < 1 {
		workers = 1
	}
	return &Extractor{workers: workers, logger: logger}
}

// Extract returns segments ordered by index regardless of completion order.
// A single boundary needs no physical split: the normalized file itself is
// the one segment. Workers write to disjoint paths derived from the index,
// so the parallel phase needs no synchronization.
func (e *Extractor) Extract(ctx context.Context, normalizedPath string, boundaries []entity.ChunkBoundary, destDir string) ([]entity.Segment, error) {
	if len(boundaries) == 0 {
		return nil, fmt.Errorf("no boundaries to extract")
	}

	if len(boundaries) == 1 {
		b := boundaries[0]
		return []entity.Segment{{
			Index:        0,
			StartSeconds: b.StartSeconds,
			EndSeconds:   b.EndSeconds,
			Path:         normalizedPath,
		}}, nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(normalizedPath), filepath.Ext(normalizedPath))
	segments := make([]entity.Segment, len(boundaries))

	group, groupCtx := errgroup.WithContext(ctx)
	limit := e.workers
	if len(boundaries) < limit {
		limit = len(boundaries)
	}
	group.SetLimit(limit)

	for i, boundary := range boundaries {
		group.Go(func() error {
			segPath := filepath.Join(destDir, fmt.Sprintf("%s-chunk%02d.mp4", stem, i))
			if err := e.extractSegment(groupCtx, normalizedPath, segPath, boundary); err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			segments[i] = entity.Segment{
				Index:        i,
				StartSeconds: boundary.StartSeconds,
				EndSeconds:   boundary.EndSeconds,
				Path:         segPath,
			}
			metrics.SegmentsExtractedTotal.Inc()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	e.logger.Info("extracted segments",
		zap.Int("count", len(segments)),
		zap.String("source", normalizedPath),
	)
	return segments, nil
}

func (e *Extractor) extractSegment(ctx context.Context, source, dest string, boundary entity.ChunkBoundary) error {
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if info, err := os.Stat(dest); err == nil &&
		!info.ModTime().Before(sourceInfo.ModTime()) && info.Size() > 0 {
		e.logger.Debug("segment up to date, skipping extraction", zap.String("path", dest))
		return nil
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", source,
		"-ss", fmt.Sprintf("%.3f", boundary.StartSeconds),
		"-to", fmt.Sprintf("%.3f", boundary.EndSeconds),
		"-c", "copy",
		dest,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg cut %.3f-%.3f: %w: %s",
			boundary.StartSeconds, boundary.EndSeconds, err, lastLine(string(output)))
	}
	return nil
}
