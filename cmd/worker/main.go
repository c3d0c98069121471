package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/domain/entity"
	"github.com/scribeworks/scribe-processing-service/internal/domain/port"
	"github.com/scribeworks/scribe-processing-service/internal/infra/config"
	"github.com/scribeworks/scribe-processing-service/internal/infra/email"
	"github.com/scribeworks/scribe-processing-service/internal/infra/ffmpeg"
	"github.com/scribeworks/scribe-processing-service/internal/infra/gemini"
	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
	miniostorage "github.com/scribeworks/scribe-processing-service/internal/infra/minio"
	"github.com/scribeworks/scribe-processing-service/internal/infra/postgres"
	"github.com/scribeworks/scribe-processing-service/internal/infra/rabbitmq"
	"github.com/scribeworks/scribe-processing-service/internal/infra/tracing"
	"github.com/scribeworks/scribe-processing-service/internal/planner"
	"github.com/scribeworks/scribe-processing-service/internal/quota"
	"github.com/scribeworks/scribe-processing-service/internal/retry"
	"github.com/scribeworks/scribe-processing-service/internal/telemetry"
	"github.com/scribeworks/scribe-processing-service/internal/usecase"
	"github.com/scribeworks/scribe-processing-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting scribe-processing-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:         cfg.MinIOEndpoint,
		AccessKey:        cfg.MinIOAccessKey,
		SecretKey:        cfg.MinIOSecretKey,
		UseSSL:           cfg.MinIOUseSSL,
		MediaBucket:      cfg.MinIOMediaBucket,
		TranscriptBucket: cfg.MinIOTranscriptBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Infra adapters
	repo := postgres.NewJobRepository(pool)
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	encoderPref, err := entity.ParseEncoderPreference(cfg.EncoderPreference)
	fatalOnErr(err, "parse encoder preference")

	prober := ffmpeg.NewProber(log)
	selector := ffmpeg.NewSelector(ffmpeg.NewFFmpegCapabilities(log), log)
	normalizer := ffmpeg.NewNormalizer(selector, prober, encoderPref, log)
	extractor := ffmpeg.NewExtractor(cfg.VideoWorkerCount, log)

	// Quota accounting and usage telemetry, shared across workers
	quotaMonitor := quota.NewMonitor(quota.DefaultConfig(), log)
	runMonitor := telemetry.NewRunMonitor()

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxRetries = uint64(cfg.GeminiMaxRetries)

	generator := gemini.NewClient(gemini.ClientConfig{
		BaseURL: cfg.GeminiBaseURL,
		APIKey:  cfg.GeminiAPIKey,
		Retry:   retryCfg,
	}, quotaMonitor, runMonitor, log)

	newUploader := func() port.FileUploader {
		return gemini.NewUploader(gemini.UploaderConfig{
			BaseURL:      cfg.GeminiBaseURL,
			APIKey:       cfg.GeminiAPIKey,
			Retry:        retryCfg,
			PollInterval: time.Duration(cfg.GeminiPollIntervalMs) * time.Millisecond,
			PollTimeout:  time.Duration(cfg.GeminiPollTimeoutMs) * time.Millisecond,
		}, quotaMonitor, log)
	}

	orchestrator := usecase.NewOrchestrator(generator, newUploader, log, usecase.OrchestratorConfig{
		Workers:        cfg.VideoWorkerCount,
		InlineMaxBytes: cfg.InlineUploadMaxSize,
		SkipExisting:   cfg.SkipExistingChunks,
		KeepRemote:     cfg.KeepRemoteFiles,
	})

	limits := planner.Limits{
		MaxSeconds:      cfg.MaxChunkSeconds,
		MaxBytes:        uint64(cfg.MaxChunkBytes),
		TokenLimit:      uint32(cfg.VideoTokenLimit),
		TokensPerSecond: cfg.VideoTokensPerSec,
	}

	// Use case
	uc := usecase.NewProcessMediaUseCase(
		repo, storage, prober, normalizer, extractor, orchestrator,
		statusPub, dlqPub, notifier, runMonitor,
		log,
		usecase.ProcessMediaConfig{
			TempDir:      cfg.TempDir,
			MaxRetries:   cfg.MaxRetries,
			DefaultModel: cfg.GeminiModel,
			Limits:       limits,
		},
	)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQProcessingQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("scribe-processing-service started, consuming messages")

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("scribe-processing-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
