package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_jobs_processed_total",
		Help: "Total number of transcription jobs processed, by status",
	}, []string{"status"})

	JobProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scribe_job_processing_duration_seconds",
		Help:    "Duration of transcription pipeline stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	SegmentsExtractedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_segments_extracted_total",
		Help: "Total number of media segments extracted across all jobs",
	})

	SegmentsTranscribedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_segments_transcribed_total",
		Help: "Total number of segments transcribed, by outcome (done, reused, error)",
	}, []string{"outcome"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_active_workers",
		Help: "Number of currently active workers processing jobs",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_retry_total",
		Help: "Total number of retried remote operations, by operation",
	}, []string{"operation"})

	GenerationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_generation_requests_total",
		Help: "Total generation API requests, by model and outcome",
	}, []string{"model", "outcome"})

	GenerationTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_generation_tokens_total",
		Help: "Total tokens reported by the generation API, by model and direction",
	}, []string{"model", "direction"})

	QuotaPreemptiveSleepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scribe_quota_preemptive_sleeps_total",
		Help: "Preemptive throttling sleeps issued before requests, by model",
	}, []string{"model"})

	ActiveUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scribe_active_uploads",
		Help: "Number of in-flight Files API uploads",
	})

	UploadedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scribe_uploaded_bytes_total",
		Help: "Cumulative bytes uploaded to the Files API",
	})
)
