package port

import (
	"context"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type MediaProber interface {
	Probe(ctx context.Context, path string) (*entity.MediaMetadata, error)
}
