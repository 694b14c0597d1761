package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(1<<20), cfg.MaxSourceBytes)
	assert.Equal(t, int64(2<<20), cfg.MaxRequestBytes)
	assert.Equal(t, 1, cfg.MinTimeoutS)
	assert.Equal(t, 900, cfg.MaxTimeoutS)
	assert.Equal(t, 3, cfg.RetryMax)
	assert.Equal(t, 60*time.Second, cfg.RetryBase())
	assert.Equal(t, 60*time.Second, cfg.IndexGrace())
	assert.Equal(t, 10*time.Second, cfg.DispatchDeadline())
	assert.Equal(t, 30*time.Second, cfg.RunnerLiveness())
	assert.Equal(t, 10*time.Second, cfg.RunnerHeartbeat())
	assert.Equal(t, int64(0), cfg.QueueHighWatermark)
	assert.Equal(t, []string{"default"}, cfg.PriorityClasses)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUE_URL", "broker-1:9092,broker-2:9092")
	t.Setenv("MAX_TIMEOUT_S", "120")
	t.Setenv("RETRY_BASE_S", "5")
	t.Setenv("SUPPORTED_LANGUAGES", "python,lua")
	t.Setenv("QUEUE_HIGH_WATERMARK", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.QueueURL)
	assert.Equal(t, 120, cfg.MaxTimeoutS)
	assert.Equal(t, 5*time.Second, cfg.RetryBase())
	assert.Equal(t, int64(500), cfg.QueueHighWatermark)
	assert.True(t, cfg.SupportsLanguage("python"))
	assert.True(t, cfg.SupportsLanguage("LUA"))
	assert.False(t, cfg.SupportsLanguage("ruby"))
}

func TestRoutingTTL(t *testing.T) {
	cfg := Config{IndexGraceS: 60}
	assert.Equal(t, 90*time.Second, cfg.RoutingTTL(30))
}

func TestParseRunnerPools(t *testing.T) {
	t.Parallel()

	pools, err := ParseRunnerPools("default=http://r1:8081,http://r2:8081/;ml=http://ml1:8081")
	require.NoError(t, err)
	assert.Equal(t, []string{"http://r1:8081", "http://r2:8081"}, pools["default"])
	assert.Equal(t, []string{"http://ml1:8081"}, pools["ml"])

	_, err = ParseRunnerPools("")
	require.Error(t, err)

	_, err = ParseRunnerPools("default=")
	require.Error(t, err)

	_, err = ParseRunnerPools("nopool")
	require.Error(t, err)
}

func TestImageOverrides(t *testing.T) {
	t.Parallel()

	cfg := Config{SandboxImages: "python=python:3.12-alpine, lua=lua:5.4"}
	images := cfg.ImageOverrides()
	assert.Equal(t, "python:3.12-alpine", images["python"])
	assert.Equal(t, "lua:5.4", images["lua"])
	assert.Empty(t, Config{SandboxImages: "garbage"}.ImageOverrides())
}
