package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/infra/metrics"
)

// ErrUploadTooLarge marks a payload over the hard per-file Files API cap.
// This is a configuration error, never retried.
var ErrUploadTooLarge = errors.New("upload exceeds per-file limit")

// Config is the immutable quota input: provider-side ceilings plus the
// warn/sleep thresholds as utilization fractions.
type Config struct {
	RequestLimits map[string]int // per-model requests per window; absent = unbounded
	TokenLimits   map[string]int // per-model tokens per window; absent = untracked

	Window             time.Duration
	WarnThreshold      float64
	SleepThreshold     float64
	TokenWarnThreshold float64

	StorageLimitBytes  int64
	UploadLimitBytes   int64
	ConcurrencyLimit   int
	WarnCooldown       time.Duration
	MaxPreemptiveSleep time.Duration
}

// DefaultConfig mirrors the provider's published free-tier ceilings.
func DefaultConfig() Config {
	return Config{
		RequestLimits: map[string]int{
			"gemini-2.5-flash":      20,
			"gemini-2.5-flash-lite": 10,
			"gemini-2.5-pro":        6,
			"gemini-2.0-flash":      15,
		},
		TokenLimits: map[string]int{
			"gemini-2.5-flash":      1_000_000,
			"gemini-2.5-flash-lite": 1_000_000,
			"gemini-2.5-pro":        250_000,
			"gemini-2.0-flash":      1_000_000,
		},
		Window:             time.Minute,
		WarnThreshold:      0.8,
		SleepThreshold:     0.9,
		TokenWarnThreshold: 0.8,
		StorageLimitBytes:  20 * 1024 * 1024 * 1024,
		UploadLimitBytes:   2 * 1024 * 1024 * 1024,
		ConcurrencyLimit:   100,
		WarnCooldown:       10 * time.Second,
		MaxPreemptiveSleep: 500 * time.Millisecond,
	}
}

type tokenSample struct {
	at     time.Time
	tokens int64
}

// Monitor is the process-wide quota governor. One instance is shared by
// every worker and provider in the process; all mutation goes through its
// lock. Callers execute any returned sleep on their own goroutine.
type Monitor struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu             sync.Mutex
	requestWindows map[string][]time.Time
	tokenWindows   map[string][]tokenSample
	rpmWarnedAt    map[string]time.Time
	tokenWarnedAt  map[string]time.Time
	uploadedBytes  int64
	activeUploads  int
}

func NewMonitor(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Monitor{
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
		requestWindows: make(map[string][]time.Time),
		tokenWindows:   make(map[string][]tokenSample),
		rpmWarnedAt:    make(map[string]time.Time),
		tokenWarnedAt:  make(map[string]time.Time),
	}
}

// RegisterRequest records an outbound request against the model's sliding
// window and returns a preemptive sleep for the caller to execute when the
// window is close to the ceiling. Zero means proceed immediately. This is
// advisory throttling; reactive 429 handling lives in the retry wrapper.
func (m *Monitor) RegisterRequest(model string) time.Duration {
	limit, ok := m.cfg.RequestLimits[model]
	if !ok || limit <= 0 {
		return 0
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.trimRequestWindow(model, now)
	window = append(window, now)
	m.requestWindows[model] = window

	utilization := float64(len(window)) / float64(limit)
	if utilization >= m.cfg.WarnThreshold {
		if now.Sub(m.rpmWarnedAt[model]) >= m.cfg.WarnCooldown {
			m.logger.Warn("request rate near per-minute quota",
				zap.String("model", model),
				zap.Float64("utilization", utilization),
				zap.Int("limit", limit),
			)
			m.rpmWarnedAt[model] = now
		}
	}

	if utilization >= m.cfg.SleepThreshold {
		sleep := m.cfg.Window / time.Duration(limit)
		if sleep > m.cfg.MaxPreemptiveSleep {
			sleep = m.cfg.MaxPreemptiveSleep
		}
		metrics.QuotaPreemptiveSleepsTotal.WithLabelValues(model).Inc()
		return sleep
	}
	return 0
}

// RegisterTokens accrues a completed response's token count against the
// model's token window. Token overage is only ever detected after the fact,
// so this warns but never sleeps.
func (m *Monitor) RegisterTokens(model string, totalTokens int64) {
	if totalTokens <= 0 {
		return
	}
	limit, ok := m.cfg.TokenLimits[model]
	if !ok || limit <= 0 {
		return
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.tokenWindows[model]
	window = append(window, tokenSample{at: now, tokens: totalTokens})
	cutoff := now.Add(-m.cfg.Window)
	for len(window) > 0 && window[0].at.Before(cutoff) {
		window = window[1:]
	}
	m.tokenWindows[model] = window

	var windowTotal int64
	for _, sample := range window {
		windowTotal += sample.tokens
	}
	utilization := float64(windowTotal) / float64(limit)
	if utilization >= m.cfg.TokenWarnThreshold {
		if now.Sub(m.tokenWarnedAt[model]) >= m.cfg.WarnCooldown {
			m.logger.Warn("token usage near per-minute quota",
				zap.String("model", model),
				zap.Float64("utilization", utilization),
				zap.Int("limit", limit),
			)
			m.tokenWarnedAt[model] = now
		}
	}
}

// UploadGuard releases an upload's hold on the storage and concurrency
// counters. Close is idempotent.
type UploadGuard struct {
	monitor *Monitor
	size    int64
	once    sync.Once
}

func (g *UploadGuard) Close() {
	g.once.Do(func() {
		g.monitor.mu.Lock()
		defer g.monitor.mu.Unlock()
		g.monitor.uploadedBytes -= g.size
		if g.monitor.uploadedBytes < 0 {
			g.monitor.uploadedBytes = 0
		}
		g.monitor.activeUploads--
		if g.monitor.activeUploads < 0 {
			g.monitor.activeUploads = 0
		}
		metrics.ActiveUploads.Dec()
	})
}

// TrackUpload enforces the hard per-file cap and accounts an upload against
// the soft storage/concurrency ceilings. Crossing a soft ceiling warns but
// never blocks; only the per-file cap is a hard error.
func (m *Monitor) TrackUpload(path string, sizeBytes int64) (*UploadGuard, error) {
	if sizeBytes > m.cfg.UploadLimitBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrUploadTooLarge, path, sizeBytes, m.cfg.UploadLimitBytes)
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.uploadedBytes += sizeBytes
	m.activeUploads++
	metrics.ActiveUploads.Inc()
	metrics.UploadedBytesTotal.Add(float64(sizeBytes))

	if m.cfg.StorageLimitBytes > 0 {
		storageUtil := float64(m.uploadedBytes) / float64(m.cfg.StorageLimitBytes)
		if storageUtil >= m.cfg.TokenWarnThreshold {
			m.logger.Warn("uploaded bytes near Files API storage window",
				zap.Int64("uploaded_bytes", m.uploadedBytes),
				zap.Float64("utilization", storageUtil),
				zap.Time("at", now),
			)
		}
	}
	if m.cfg.ConcurrencyLimit > 0 {
		concurrencyUtil := float64(m.activeUploads) / float64(m.cfg.ConcurrencyLimit)
		if concurrencyUtil >= m.cfg.TokenWarnThreshold {
			m.logger.Warn("concurrent uploads near limit",
				zap.Int("active_uploads", m.activeUploads),
				zap.Int("limit", m.cfg.ConcurrencyLimit),
			)
		}
	}

	return &UploadGuard{monitor: m, size: sizeBytes}, nil
}

// trimRequestWindow evicts entries older than the window. Caller holds the lock.
func (m *Monitor) trimRequestWindow(model string, now time.Time) []time.Time {
	window := m.requestWindows[model]
	cutoff := now.Add(-m.cfg.Window)
	for len(window) > 0 && window[0].Before(cutoff) {
		window = window[1:]
	}
	return window
}
