package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
	"github.com/scribeworks/scribe-processing-service/internal/manifest"
)

const defaultPrompt = "Transcribe the spoken audio of this recording verbatim. " +
	"Render the result as clean Markdown with speaker turns on separate paragraphs. " +
	"Do not summarize, annotate, or omit content."

// Transcriber turns a set of extracted segments into one transcript,
// resuming from whatever the manifest says already finished.
type Transcriber interface {
	Transcribe(ctx context.Context, input TranscribeInput) (*TranscribeResult, error)
}

type TranscribeInput struct {
	Segments     []entity.Segment
	Manifest     *manifest.Manifest
	ManifestPath string
	ResponsesDir string

	// SourceHash keys remote upload reuse across runs of the same media.
	SourceHash string
	Model      string
}

type TranscribeResult struct {
	Transcript      string
	SegmentsDone    int
	SegmentsReused  int
	TotalTokens     int64
}

type OrchestratorConfig struct {
	Workers        int
	InlineMaxBytes int64
	SkipExisting   bool
	KeepRemote     bool
	Prompt         string
	FPS            float64
}

// Orchestrator runs the two-phase transcription loop: a parallel compute
// phase where workers generate per-segment transcripts without touching
// shared state, then a sequential merge phase that folds the results into
// the manifest in index order and saves it once, atomically.
type Orchestrator struct {
	generator   port.Generator
	newUploader func() port.FileUploader
	logger      *zap.Logger
	cfg         OrchestratorConfig
}

func NewOrchestrator(generator port.Generator, newUploader func() port.FileUploader, logger *zap.Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultPrompt
	}
	return &Orchestrator{
		generator:   generator,
		newUploader: newUploader,
		logger:      logger,
		cfg:         cfg,
	}
}

type segmentOutcome struct {
	text         string
	reused       bool
	fileURI      string
	responsePath string
	tokens       int64
}

func (o *Orchestrator) Transcribe(ctx context.Context, input TranscribeInput) (*TranscribeResult, error) {
	if len(input.Segments) == 0 {
		return nil, fmt.Errorf("no segments to transcribe")
	}
	if err := os.MkdirAll(input.ResponsesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create responses dir: %w", err)
	}

	m := input.Manifest
	m.Reconcile(input.Segments)
	if err := m.Save(input.ManifestPath); err != nil {
		return nil, err
	}

	uploader := o.newUploader()
	if !o.cfg.KeepRemote {
		defer uploader.CleanupAll(context.WithoutCancel(ctx))
	}

	segments := make([]entity.Segment, len(input.Segments))
	copy(segments, input.Segments)
	sort.Slice(segments, func(i, j int) bool { return segments[i].Index < segments[j].Index })

	// Workers write to disjoint slots, so the compute phase shares nothing.
	outcomes := make([]*segmentOutcome, len(segments))

	group, groupCtx := errgroup.WithContext(ctx)
	limit := o.cfg.Workers
	if len(segments) < limit {
		limit = len(segments)
	}
	group.SetLimit(limit)

	for slot, seg := range segments {
		record := m.Chunk(seg.Index)
		if record == nil {
			return nil, fmt.Errorf("manifest missing chunk %d after reconcile", seg.Index)
		}
		prior := *record

		group.Go(func() error {
			outcome, err := o.processSegment(groupCtx, uploader, seg, prior, input)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			outcomes[slot] = outcome
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		// Merge whatever finished so a redelivery resumes instead of redoing.
		o.mergeOutcomes(m, segments, outcomes)
		if saveErr := m.Save(input.ManifestPath); saveErr != nil {
			o.logger.Warn("failed to save manifest after partial run", zap.Error(saveErr))
		}
		return nil, err
	}

	o.mergeOutcomes(m, segments, outcomes)
	if err := m.Save(input.ManifestPath); err != nil {
		return nil, err
	}

	result := &TranscribeResult{}
	parts := make([]string, 0, len(segments))
	for _, outcome := range outcomes {
		parts = append(parts, strings.TrimSpace(outcome.text))
		result.TotalTokens += outcome.tokens
		if outcome.reused {
			result.SegmentsReused++
		} else {
			result.SegmentsDone++
		}
	}
	result.Transcript = strings.Join(parts, "\n\n")
	return result, nil
}

// processSegment never mutates the shared manifest; it works from a copy of
// the chunk record and reports its outcome for the merge phase.
func (o *Orchestrator) processSegment(ctx context.Context, uploader port.FileUploader, seg entity.Segment, prior manifest.ChunkRecord, input TranscribeInput) (*segmentOutcome, error) {
	log := o.logger.With(zap.Int("segment", seg.Index))

	if o.cfg.SkipExisting && prior.Status.Terminal() && prior.ResponsePath != "" {
		if text, err := os.ReadFile(prior.ResponsePath); err == nil {
			log.Info("reusing completed segment", zap.String("response", prior.ResponsePath))
			metrics.SegmentsTranscribedTotal.WithLabelValues("reused").Inc()
			return &segmentOutcome{
				text:         string(text),
				reused:       true,
				fileURI:      prior.FileURI,
				responsePath: prior.ResponsePath,
			}, nil
		}
		log.Warn("completed segment response missing, regenerating",
			zap.String("response", prior.ResponsePath))
	}

	info, err := os.Stat(seg.Path)
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}

	mediaPart := port.GenerationPart{MIMEType: "video/mp4", FPS: o.cfg.FPS}
	var fileURI string
	if info.Size() <= o.cfg.InlineMaxBytes {
		data, err := os.ReadFile(seg.Path)
		if err != nil {
			return nil, fmt.Errorf("read segment: %w", err)
		}
		mediaPart.InlineData = data
	} else {
		cacheKey := fmt.Sprintf("%s:%d", input.SourceHash, seg.Index)
		fileURI, err = uploader.EnsureUploaded(ctx, cacheKey, seg.Path, "video/mp4")
		if err != nil {
			metrics.SegmentsTranscribedTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		mediaPart.FileURI = fileURI
	}

	prompt := fmt.Sprintf("%s\n\nThis segment covers %s to %s of the original recording.",
		o.cfg.Prompt, seg.StartISO(), seg.EndISO())

	generated, err := o.generator.GenerateContent(ctx, input.Model, []port.GenerationPart{
		{Text: prompt},
		mediaPart,
	})
	if err != nil {
		metrics.SegmentsTranscribedTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	responsePath := filepath.Join(input.ResponsesDir, fmt.Sprintf("chunk%02d.md", seg.Index))
	if err := renameio.WriteFile(responsePath, []byte(generated.Text), 0o644); err != nil {
		return nil, fmt.Errorf("write response: %w", err)
	}

	log.Info("segment transcribed",
		zap.Float64("start_seconds", seg.StartSeconds),
		zap.Float64("end_seconds", seg.EndSeconds),
		zap.Int64("total_tokens", generated.Usage.TotalTokens),
	)
	metrics.SegmentsTranscribedTotal.WithLabelValues("done").Inc()

	return &segmentOutcome{
		text:         generated.Text,
		fileURI:      fileURI,
		responsePath: responsePath,
		tokens:       generated.Usage.TotalTokens,
	}, nil
}

func (o *Orchestrator) mergeOutcomes(m *manifest.Manifest, segments []entity.Segment, outcomes []*segmentOutcome) {
	for slot, outcome := range outcomes {
		if outcome == nil {
			continue
		}
		record := m.Chunk(segments[slot].Index)
		if record == nil {
			continue
		}
		if outcome.reused {
			record.Status = manifest.ChunkSkipped
		} else {
			record.Status = manifest.ChunkDone
		}
		if outcome.responsePath != "" {
			record.ResponsePath = outcome.responsePath
		}
		if outcome.fileURI != "" {
			record.FileURI = outcome.fileURI
		}
	}
}
