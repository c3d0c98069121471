package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestLimits = map[string]int{"test-model": 10}
	cfg.TokenLimits = map[string]int{"test-model": 1000}
	return cfg
}

func TestRegisterRequestUnboundedModel(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	for i := 0; i < 100; i++ {
		assert.Zero(t, m.RegisterRequest("unlisted-model"))
	}
}

func TestRegisterRequestBelowSleepThreshold(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	for i := 0; i < 5; i++ {
		m.RegisterRequest("test-model")
	}
	assert.Zero(t, m.RegisterRequest("test-model"))
}

func TestRegisterRequestSleepsNearCeiling(t *testing.T) {
	cfg := testConfig()
	m := NewMonitor(cfg, zap.NewNop())
	for i := 0; i < 9; i++ {
		m.RegisterRequest("test-model")
	}

	sleep := m.RegisterRequest("test-model")
	assert.Positive(t, sleep)
	assert.LessOrEqual(t, sleep, cfg.MaxPreemptiveSleep)
}

func TestRegisterRequestWindowEviction(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	current := time.Now()
	m.now = func() time.Time { return current }

	for i := 0; i < 10; i++ {
		m.RegisterRequest("test-model")
	}
	assert.Positive(t, m.RegisterRequest("test-model"))

	// Two minutes later every entry has aged out of the window.
	current = current.Add(2 * time.Minute)
	assert.Zero(t, m.RegisterRequest("test-model"))
}

func TestRegisterTokensIgnoresUntrackedModel(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	m.RegisterTokens("unlisted-model", 1_000_000)
	assert.Empty(t, m.tokenWindows)
}

func TestRegisterTokensEvictsOldSamples(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())
	current := time.Now()
	m.now = func() time.Time { return current }

	m.RegisterTokens("test-model", 500)
	current = current.Add(2 * time.Minute)
	m.RegisterTokens("test-model", 100)

	require.Len(t, m.tokenWindows["test-model"], 1)
	assert.Equal(t, int64(100), m.tokenWindows["test-model"][0].tokens)
}

func TestTrackUploadRejectsOversizedFile(t *testing.T) {
	cfg := testConfig()
	cfg.UploadLimitBytes = 1024
	m := NewMonitor(cfg, zap.NewNop())

	guard, err := m.TrackUpload("/tmp/huge.mp4", 2048)
	require.ErrorIs(t, err, ErrUploadTooLarge)
	assert.Nil(t, guard)

	// A rejected upload must not mutate the counters.
	assert.Zero(t, m.uploadedBytes)
	assert.Zero(t, m.activeUploads)
}

func TestTrackUploadGuardReleasesCounters(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())

	guard, err := m.TrackUpload("/tmp/segment.mp4", 4096)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), m.uploadedBytes)
	assert.Equal(t, 1, m.activeUploads)

	guard.Close()
	assert.Zero(t, m.uploadedBytes)
	assert.Zero(t, m.activeUploads)

	// Close is idempotent.
	guard.Close()
	assert.Zero(t, m.activeUploads)
}

func TestTrackUploadConcurrentGuards(t *testing.T) {
	m := NewMonitor(testConfig(), zap.NewNop())

	a, err := m.TrackUpload("/tmp/a.mp4", 10)
	require.NoError(t, err)
	b, err := m.TrackUpload("/tmp/b.mp4", 20)
	require.NoError(t, err)

	assert.Equal(t, 2, m.activeUploads)
	assert.Equal(t, int64(30), m.uploadedBytes)

	a.Close()
	b.Close()
	assert.Zero(t, m.activeUploads)
}
