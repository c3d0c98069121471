package port

import (
	"context"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type SegmentExtractor interface {
	// Extract materializes each boundary as a file under destDir and returns
	// the segments ordered by index. A single boundary returns the source
	// itself as the only segment.
	Extract(ctx context.Context, normalizedPath string, boundaries []entity.ChunkBoundary, destDir string) ([]entity.Segment, error)
}
