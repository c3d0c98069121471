package planner

import (
	"math"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
)

// Default limits for request-sized video segments. A segment must fit the
// wall-clock ceiling of one generation request, the inline/upload byte cap,
// and the per-request token budget at the model's video token rate.
const (
	DefaultMaxChunkSeconds   = 7200.0
	DefaultMaxChunkBytes     = 500 * 1024 * 1024
	DefaultVideoTokenLimit   = 300_000
	DefaultVideoTokensPerSec = 300.0
	minChunkSeconds          = 1.0
)

// Limits are the three independent physical constraints on a segment.
// A zero MaxBytes or TokenLimit disables that constraint.
type Limits struct {
	MaxSeconds      float64
	MaxBytes        uint64
	TokenLimit      uint32
	TokensPerSecond float64
}

func DefaultLimits() Limits {
	return Limits{
		MaxSeconds:      DefaultMaxChunkSeconds,
		MaxBytes:        DefaultMaxChunkBytes,
		TokenLimit:      DefaultVideoTokenLimit,
		TokensPerSecond: DefaultVideoTokensPerSec,
	}
}

// Plan computes contiguous, non-overlapping boundaries covering the whole
// duration. The step is the tightest of the three per-step limits, applied
// uniformly; this is greedy constraint intersection, not chunk-count
// minimization. The step never drops below one second, so a pathological
// token budget yields oversized segments rather than an unbounded plan.
func Plan(meta *entity.MediaMetadata, limits Limits) []entity.ChunkBoundary {
	duration := meta.DurationSeconds
	if duration <= 0 {
		return []entity.ChunkBoundary{{StartSeconds: 0, EndSeconds: 0}}
	}

	effective := limits.MaxSeconds

	bytesPerSecond := float64(meta.SizeBytes) / duration
	if limits.MaxBytes > 0 && bytesPerSecond > 0 {
		bySize := float64(limits.MaxBytes) / bytesPerSecond
		if bySize < effective {
			effective = bySize
		}
	}

	if limits.TokenLimit > 0 && limits.TokensPerSecond > 0 {
		byTokens := float64(limits.TokenLimit) / limits.TokensPerSecond
		if math.IsInf(byTokens, 0) || math.IsNaN(byTokens) {
			byTokens = effective
		}
		if byTokens < effective {
			effective = byTokens
		}
	}

	if math.IsNaN(effective) || math.IsInf(effective, 0) || effective < minChunkSeconds {
		effective = minChunkSeconds
	}

	count := int(math.Ceil(duration / effective))
	if count < 1 {
		count = 1
	}

	boundaries := make([]entity.ChunkBoundary, 0, count)
	for i := 0; i < count; i++ {
		start := float64(i) * effective
		end := start + effective
		if end > duration {
			end = duration
		}
		boundaries = append(boundaries, entity.ChunkBoundary{StartSeconds: start, EndSeconds: end})
	}
	// Absorb float rounding: the plan must cover the source exactly.
	boundaries[len(boundaries)-1].EndSeconds = duration
	return boundaries
}
