package port

import (
	"context"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

type NormalizationResult struct {
	Path           string
	Encoder        entity.EncoderSpec
	ReusedExisting bool
	EncoderKnown   bool
}

type MediaNormalizer interface {
	Normalize(ctx context.Context, sourcePath, outputDir string) (*NormalizationResult, error)
}
