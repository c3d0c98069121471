package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
	"github.com/scribeworks/scribe-processing-service/internal/infra/email"
	"github.com/scribeworks/scribe-processing-service/internal/infra/ffmpeg"
	"github.com/scribeworks/scribe-processing-service/internal/infra/gemini"
	miniostorage "github.com/scribeworks/scribe-processing-service/internal/infra/minio"
	"github.com/scribeworks/scribe-processing-service/internal/infra/postgres"
	"github.com/scribeworks/scribe-processing-service/internal/infra/rabbitmq"
	"github.com/scribeworks/scribe-processing-service/internal/planner"
	"github.com/scribeworks/scribe-processing-service/internal/quota"
	"github.com/scribeworks/scribe-processing-service/internal/retry"
	"github.com/scribeworks/scribe-processing-service/internal/telemetry"
	"github.com/scribeworks/scribe-processing-service/internal/usecase"
	"github.com/scribeworks/scribe-processing-service/pkg/logger"
)

// fakeGemini answers generateContent with a canned transcript so the
// pipeline runs end to end without the real API.
func fakeGemini(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Logf("unexpected fake gemini request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		io.Copy(io.Discard, r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{"content": map[string]any{"parts": []map[string]any{
					{"text": "This is the transcribed lecture text."},
				}}},
			},
			"usageMetadata": map[string]any{
				"promptTokenCount":     100,
				"candidatesTokenCount": 20,
				"totalTokenCount":      120,
			},
		})
	}))
}

func TestProcessMediaEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Start PostgreSQL container
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("jobs"),
		tcpostgres.WithUsername("job_user"),
		tcpostgres.WithPassword("job_pass"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer pgContainer.Terminate(ctx)

	pgConnStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Start RabbitMQ container
	rmqContainer, err := tcrabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
	)
	require.NoError(t, err)
	defer rmqContainer.Terminate(ctx)

	rmqURL, err := rmqContainer.AmqpURL(ctx)
	require.NoError(t, err)

	// Start MinIO container
	minioContainer, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer minioContainer.Terminate(ctx)

	minioEndpoint, err := minioContainer.ConnectionString(ctx)
	require.NoError(t, err)

	// Run migrations
	err = postgres.RunMigrations(pgConnStr, "../../migrations")
	require.NoError(t, err)

	// Setup MinIO storage
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:         minioEndpoint,
		AccessKey:        "minioadmin",
		SecretKey:        "minioadmin",
		UseSSL:           false,
		MediaBucket:      "media",
		TranscriptBucket: "transcripts",
	})
	require.NoError(t, err)
	require.NoError(t, storage.EnsureBuckets(ctx))

	// Upload test media to MinIO
	testMediaPath := filepath.Join("..", "testdata", "test.mp4")
	if _, err := os.Stat(testMediaPath); os.IsNotExist(err) {
		t.Skip("test media not found at tests/testdata/test.mp4 - generate it with: ffmpeg -f lavfi -i testsrc=duration=2:size=320x240:rate=1 -c:v libx264 -pix_fmt yuv420p -movflags +faststart tests/testdata/test.mp4")
	}

	minioClient, err := miniogo.New(minioEndpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
	})
	require.NoError(t, err)

	mediaKey := "testuser/test.mp4"
	_, err = minioClient.FPutObject(ctx, "media", mediaKey, testMediaPath, miniogo.PutObjectOptions{
		ContentType: "video/mp4",
	})
	require.NoError(t, err)

	// Setup RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(rmqURL)
	require.NoError(t, err)
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, "scribe.transcription")
	require.NoError(t, err)

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, "transcription.jobs.dlq")

	// Setup DB pool
	pool, err := pgxpool.New(ctx, pgConnStr)
	require.NoError(t, err)
	defer pool.Close()

	// Fake generation API
	geminiSrv := fakeGemini(t)
	defer geminiSrv.Close()

	// Setup use case
	log, _ := logger.New("debug")
	repo := postgres.NewJobRepository(pool)
	notifier := email.NewSMTPNotifier("localhost", 1025, "test@test.local", log)

	prober := ffmpeg.NewProber(log)
	selector := ffmpeg.NewSelector(ffmpeg.NewFFmpegCapabilities(log), log)
	normalizer := ffmpeg.NewNormalizer(selector, prober, entity.EncoderCPU, log)
	extractor := ffmpeg.NewExtractor(1, log)

	quotaMonitor := quota.NewMonitor(quota.DefaultConfig(), zap.NewNop())
	runMonitor := telemetry.NewRunMonitor()
	retryCfg := retry.DefaultConfig()
	retryCfg.InitialInterval = 10 * time.Millisecond

	generator := gemini.NewClient(gemini.ClientConfig{
		BaseURL: geminiSrv.URL,
		APIKey:  "test-key",
		Retry:   retryCfg,
	}, quotaMonitor, runMonitor, log)

	newUploader := func() port.FileUploader {
		return gemini.NewUploader(gemini.UploaderConfig{
			BaseURL:      geminiSrv.URL,
			APIKey:       "test-key",
			Retry:        retryCfg,
			PollInterval: 10 * time.Millisecond,
		}, quotaMonitor, log)
	}

	orchestrator := usecase.NewOrchestrator(generator, newUploader, log, usecase.OrchestratorConfig{
		Workers:        2,
		InlineMaxBytes: 64 << 20, // small test clip always goes inline
		SkipExisting:   true,
	})

	uc := usecase.NewProcessMediaUseCase(
		repo, storage, prober, normalizer, extractor, orchestrator,
		statusPub, dlqPub, notifier, runMonitor,
		log,
		usecase.ProcessMediaConfig{
			TempDir:      t.TempDir(),
			MaxRetries:   3,
			DefaultModel: "gemini-2.5-flash",
			Limits:       planner.DefaultLimits(),
		},
	)

	// Setup consumer
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         rmqURL,
		Queue:       "transcription.jobs",
		Exchange:    "scribe.transcription",
		DLQ:         "transcription.jobs.dlq",
		StatusQueue: "transcription.status",
		Prefetch:    1,
		WorkerCount: 1,
		BaseDelayMs: 100,
	}, uc.Execute, log)
	require.NoError(t, err)
	defer consumer.Close()

	// Start consumer in background
	consumerCtx, consumerCancel := context.WithCancel(ctx)
	defer consumerCancel()

	go func() {
		consumer.Start(consumerCtx)
	}()

	// Give consumer time to start
	time.Sleep(500 * time.Millisecond)

	// Publish job message
	jobID := uuid.New()
	mediaInfo, _ := os.Stat(testMediaPath)
	jobMsg := entity.TranscriptionJobMessage{
		JobID:     jobID,
		UserID:    "testuser",
		MediaKey:  mediaKey,
		FileSize:  mediaInfo.Size(),
		UserEmail: "test@test.local",
	}
	msgBody, err := json.Marshal(jobMsg)
	require.NoError(t, err)

	pubCh, err := rmqConn.Channel()
	require.NoError(t, err)
	err = pubCh.PublishWithContext(ctx,
		"scribe.transcription",
		"transcription.jobs",
		false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msgBody,
		},
	)
	require.NoError(t, err)
	pubCh.Close()

	// Wait for status message on transcription.status queue
	statusCh, err := rmqConn.Channel()
	require.NoError(t, err)
	defer statusCh.Close()

	statusMsgs, err := statusCh.Consume("transcription.status", "", true, false, false, false, nil)
	require.NoError(t, err)

	var statusMsg entity.TranscriptionStatusMessage
	select {
	case delivery := <-statusMsgs:
		err = json.Unmarshal(delivery.Body, &statusMsg)
		require.NoError(t, err)
	case <-time.After(2 * time.Minute):
		t.Fatal("timeout waiting for status message")
	}

	// Assert status
	assert.Equal(t, jobID, statusMsg.JobID)
	assert.Equal(t, entity.JobStatusCompleted, statusMsg.Status)
	assert.Greater(t, statusMsg.ChunkCount, 0)
	assert.NotEmpty(t, statusMsg.TranscriptKey)
	assert.Greater(t, statusMsg.TotalTokens, int64(0))

	// Verify transcript exists in MinIO
	obj, err := minioClient.GetObject(ctx, "transcripts", statusMsg.TranscriptKey, miniogo.GetObjectOptions{})
	require.NoError(t, err)
	transcript, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Contains(t, string(transcript), "This is the transcribed lecture text.")

	// Verify job record in database
	var dbStatus string
	var dbChunkCount int
	var dbTokens int64
	err = pool.QueryRow(ctx,
		"SELECT status, chunk_count, total_tokens FROM transcription_jobs WHERE id=$1", jobID,
	).Scan(&dbStatus, &dbChunkCount, &dbTokens)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", dbStatus)
	assert.Equal(t, statusMsg.ChunkCount, dbChunkCount)
	assert.Equal(t, statusMsg.TotalTokens, dbTokens)

	// Stop consumer
	consumerCancel()

	t.Logf("Test passed: %d chunks transcribed, transcript at %s", dbChunkCount, statusMsg.TranscriptKey)
}
