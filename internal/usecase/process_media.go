package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
	"github.com/scribeworks/scribe-processing-service/internal/infra/ffmpeg"
	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
	"github.com/scribeworks/scribe-processing-service/internal/manifest"
	"github.com/scribeworks/scribe-processing-service/internal/planner"
	"github.com/scribeworks/scribe-processing-service/internal/telemetry"
)

type ProcessMediaUseCase struct {
	repo        port.JobRepository
	storage     port.MediaStorage
	prober      port.MediaProber
	normalizer  port.MediaNormalizer
	extractor   port.SegmentExtractor
	transcriber Transcriber
	publisher   port.StatusPublisher
	dlq         port.DLQPublisher
	notifier    port.FailureNotifier
	runMonitor  *telemetry.RunMonitor
	logger      *zap.Logger
	limits      planner.Limits
	tempDir     string
	maxRetry    int
	model       string
}

type ProcessMediaConfig struct {
	TempDir      string
	MaxRetries   int
	DefaultModel string
	Limits       planner.Limits
}

func NewProcessMediaUseCase(
	repo port.JobRepository,
	storage port.MediaStorage,
	prober port.MediaProber,
	normalizer port.MediaNormalizer,
	extractor port.SegmentExtractor,
	transcriber Transcriber,
	publisher port.StatusPublisher,
	dlq port.DLQPublisher,
	notifier port.FailureNotifier,
	runMonitor *telemetry.RunMonitor,
	logger *zap.Logger,
	cfg ProcessMediaConfig,
) *ProcessMediaUseCase {
	return &ProcessMediaUseCase{
		repo:        repo,
		storage:     storage,
		prober:      prober,
		normalizer:  normalizer,
		extractor:   extractor,
		transcriber: transcriber,
		publisher:   publisher,
		dlq:         dlq,
		notifier:    notifier,
		runMonitor:  runMonitor,
		logger:      logger,
		limits:      cfg.Limits,
		tempDir:     cfg.TempDir,
		maxRetry:    cfg.MaxRetries,
		model:       cfg.DefaultModel,
	}
}

func (uc *ProcessMediaUseCase) Execute(ctx context.Context, rawMsg []byte) error {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(ctx, "ProcessMediaUseCase.Execute")
	defer span.End()

	totalTimer := time.Now()

	var msg entity.TranscriptionJobMessage
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		uc.logger.Error("failed to unmarshal message", zap.Error(err), zap.ByteString("body", rawMsg))
		_ = uc.dlq.PublishToDLQ(ctx, rawMsg, "unmarshal_error: "+err.Error())
		return nil
	}
	if msg.Model == "" {
		msg.Model = uc.model
	}

	span.SetAttributes(
		attribute.String("job.id", msg.JobID.String()),
		attribute.String("job.media_key", msg.MediaKey),
		attribute.String("job.model", msg.Model),
	)

	log := uc.logger.With(zap.String("job_id", msg.JobID.String()), zap.String("media_key", msg.MediaKey))

	job, err := uc.repo.FindByID(ctx, msg.JobID)
	if err != nil {
		job = entity.NewJob(msg.UserID, msg.MediaKey, msg.Model, msg.FileSize, uc.maxRetry)
		job.ID = msg.JobID
		if err := uc.repo.Create(ctx, job); err != nil {
			log.Error("failed to create job record", zap.Error(err))
			return fmt.Errorf("create job: %w", err)
		}
	}

	if !job.CanRetry() {
		log.Warn("job exhausted retries, sending to DLQ")
		_ = uc.handlePermanentFailure(ctx, job, msg, rawMsg, "max retries exceeded")
		return nil
	}

	job.MarkProcessing()
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to PROCESSING", zap.Error(err))
		return fmt.Errorf("update job: %w", err)
	}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	if err := uc.processMediaPipeline(ctx, job, msg, rawMsg, log); err != nil {
		return err
	}

	metrics.JobsProcessedTotal.WithLabelValues("completed").Inc()
	metrics.JobProcessingDuration.WithLabelValues("total").Observe(time.Since(totalTimer).Seconds())

	return nil
}

func (uc *ProcessMediaUseCase) processMediaPipeline(
	ctx context.Context,
	job *entity.Job,
	msg entity.TranscriptionJobMessage,
	rawMsg []byte,
	log *zap.Logger,
) error {
	tracer := otel.Tracer("usecase")

	// The workdir survives failed attempts on purpose: a redelivered message
	// resumes from the manifest and whatever artifacts are already on disk.
	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	// Download media from MinIO, skipping if a previous attempt already did.
	dlStart := time.Now()
	ctx2, spanDl := tracer.Start(ctx, "download_media")
	sourcePath := filepath.Join(workDir, "source"+mediaExt(msg.MediaKey))
	if info, err := os.Stat(sourcePath); err != nil || (msg.FileSize > 0 && info.Size() != msg.FileSize) {
		if err := uc.storage.DownloadMedia(ctx2, msg.MediaKey, sourcePath); err != nil {
			spanDl.End()
			log.Error("failed to download media", zap.Error(err))
			return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "download_media: "+err.Error(), log)
		}
	} else {
		log.Info("reusing downloaded media", zap.String("path", sourcePath))
	}
	spanDl.End()
	metrics.JobProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	// Normalize, unless the source already passes the fast-path assessment.
	nmStart := time.Now()
	ctx3, spanNm := tracer.Start(ctx, "normalize")
	normalizedPath := sourcePath
	acceptable, checks, _ := ffmpeg.AssessNormalization(ctx3, uc.prober, sourcePath)
	if acceptable {
		log.Info("source already normalized, skipping re-encode")
	} else {
		log.Info("source needs normalization", zap.Any("checks", checks))
		normalized, err := uc.normalizer.Normalize(ctx3, sourcePath, workDir)
		if err != nil {
			spanNm.End()
			log.Error("normalization failed", zap.Error(err))
			return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "normalize: "+err.Error(), log)
		}
		normalizedPath = normalized.Path
		log.Info("media normalized",
			zap.String("encoder", normalized.Encoder.Label()),
			zap.Bool("reused_existing", normalized.ReusedExisting),
		)
	}
	spanNm.End()
	metrics.JobProcessingDuration.WithLabelValues("normalize").Observe(time.Since(nmStart).Seconds())

	meta, err := uc.prober.Probe(ctx, normalizedPath)
	if err != nil {
		log.Error("probe failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "probe: "+err.Error(), log)
	}

	boundaries := planner.Plan(meta, uc.limits)
	log.Info("planned chunks",
		zap.Int("count", len(boundaries)),
		zap.Float64("duration_seconds", meta.DurationSeconds),
	)

	// Extract segments.
	exStart := time.Now()
	ctx4, spanEx := tracer.Start(ctx, "extract_segments")
	segments, err := uc.extractor.Extract(ctx4, normalizedPath, boundaries, filepath.Join(workDir, "segments"))
	if err != nil {
		spanEx.End()
		log.Error("segment extraction failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "extract_segments: "+err.Error(), log)
	}
	spanEx.End()
	metrics.JobProcessingDuration.WithLabelValues("extract").Observe(time.Since(exStart).Seconds())

	// Transcribe through the manifest-driven orchestrator.
	trStart := time.Now()
	ctx5, spanTr := tracer.Start(ctx, "transcribe")
	manifestPath := filepath.Join(workDir, "manifest.json")
	m := manifest.Load(manifestPath)
	m.SourcePath = sourcePath
	m.NormalizedPath = normalizedPath
	m.DurationSeconds = meta.DurationSeconds
	if m.SourceHash == "" {
		if h, err := manifest.Sha256File(sourcePath); err == nil {
			m.SourceHash = h
		}
	}
	// Reuse a previously recorded hash so upload cache keys stay stable
	// across resumed runs.
	sourceHash := m.NormalizedHash
	if sourceHash == "" {
		var hashErr error
		sourceHash, hashErr = manifest.Sha256File(normalizedPath)
		if hashErr != nil {
			log.Warn("failed to hash normalized media", zap.Error(hashErr))
			sourceHash = job.ID.String()
		}
		m.NormalizedHash = sourceHash
	}

	result, err := uc.transcriber.Transcribe(ctx5, TranscribeInput{
		Segments:     segments,
		Manifest:     m,
		ManifestPath: manifestPath,
		ResponsesDir: filepath.Join(workDir, "responses"),
		SourceHash:   sourceHash,
		Model:        msg.Model,
	})
	if err != nil {
		spanTr.End()
		log.Error("transcription failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "transcribe: "+err.Error(), log)
	}
	spanTr.End()
	metrics.JobProcessingDuration.WithLabelValues("transcribe").Observe(time.Since(trStart).Seconds())

	// Upload transcript to MinIO.
	upStart := time.Now()
	ctx6, spanUp := tracer.Start(ctx, "upload_transcript")
	transcriptKey := fmt.Sprintf("%s/transcript_%s.md", msg.UserID, job.ID.String())
	reader := strings.NewReader(result.Transcript)
	if err := uc.storage.UploadTranscript(ctx6, transcriptKey, reader, int64(len(result.Transcript))); err != nil {
		spanUp.End()
		log.Error("transcript upload failed", zap.Error(err))
		return uc.handleRetryableFailure(ctx, job, msg, rawMsg, "upload_transcript: "+err.Error(), log)
	}
	spanUp.End()
	metrics.JobProcessingDuration.WithLabelValues("upload").Observe(time.Since(upStart).Seconds())

	job.MarkCompleted(transcriptKey, len(segments), meta.DurationSeconds, result.TotalTokens)
	if err := uc.repo.Update(ctx, job); err != nil {
		log.Error("failed to update job to COMPLETED", zap.Error(err))
		return fmt.Errorf("update job completed: %w", err)
	}

	uc.publishStatus(ctx, job, log)
	uc.flushRunReport(job, log)

	if err := os.RemoveAll(workDir); err != nil {
		log.Warn("failed to remove workdir", zap.Error(err))
	}

	log.Info("job completed successfully",
		zap.Int("chunk_count", len(segments)),
		zap.Int("segments_reused", result.SegmentsReused),
		zap.Float64("duration_secs", meta.DurationSeconds),
		zap.Int64("total_tokens", result.TotalTokens),
		zap.String("transcript_key", transcriptKey),
	)

	return nil
}

// flushRunReport writes the per-run usage summary and event log next to the
// job workdirs, where they outlive workdir cleanup.
func (uc *ProcessMediaUseCase) flushRunReport(job *entity.Job, log *zap.Logger) {
	if uc.runMonitor == nil {
		return
	}
	reportsDir := filepath.Join(uc.tempDir, "reports")
	summaryPath := filepath.Join(reportsDir, job.ID.String()+"-summary.json")
	eventsPath := filepath.Join(reportsDir, job.ID.String()+"-events.ndjson")
	if err := uc.runMonitor.Flush(summaryPath, eventsPath); err != nil {
		log.Warn("failed to flush run report", zap.Error(err))
	}
}

func (uc *ProcessMediaUseCase) handleRetryableFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.TranscriptionJobMessage,
	rawMsg []byte,
	errMsg string,
	log *zap.Logger,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	if !job.CanRetry() {
		return uc.handlePermanentFailure(ctx, job, msg, rawMsg, errMsg)
	}

	metrics.RetryTotal.WithLabelValues("job").Inc()
	uc.publishStatus(ctx, job, log)

	return fmt.Errorf("retryable failure (attempt %d/%d): %s", job.Attempt, job.MaxAttempts, errMsg)
}

func (uc *ProcessMediaUseCase) handlePermanentFailure(
	ctx context.Context,
	job *entity.Job,
	msg entity.TranscriptionJobMessage,
	rawMsg []byte,
	errMsg string,
) error {
	job.MarkFailed(errMsg)
	_ = uc.repo.Update(ctx, job)

	_ = uc.dlq.PublishToDLQ(ctx, rawMsg, errMsg)

	uc.publishStatus(ctx, job, uc.logger)

	metrics.JobsProcessedTotal.WithLabelValues("dlq").Inc()

	if msg.UserEmail != "" {
		_ = uc.notifier.NotifyFailure(ctx, msg.UserEmail, job.ID.String(), msg.MediaKey, errMsg)
	}

	return nil
}

func (uc *ProcessMediaUseCase) publishStatus(ctx context.Context, job *entity.Job, log *zap.Logger) {
	statusMsg := entity.TranscriptionStatusMessage{
		JobID:         job.ID,
		UserID:        job.UserID,
		Status:        job.Status,
		MediaKey:      job.MediaKey,
		TranscriptKey: job.TranscriptKey,
		ChunkCount:    job.ChunkCount,
		Duration:      job.MediaDuration,
		TotalTokens:   job.TotalTokens,
		ErrorMessage:  job.ErrorMessage,
		Attempt:       job.Attempt,
		MaxAttempts:   job.MaxAttempts,
	}
	data, _ := json.Marshal(statusMsg)
	if err := uc.publisher.PublishStatus(ctx, data); err != nil {
		log.Error("failed to publish status", zap.Error(err))
	}
}

func mediaExt(key string) string {
	if ext := filepath.Ext(key); ext != "" {
		return ext
	}
	return ".mp4"
}
