package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
environment: test
endpoints:
  macro:
    url: http://macro:9000/analyze
  sector:
    url: http://sector:9000/analyze
    retry_count: 0
  asset:
    url: http://asset:9000/analyze
    timeout: 500ms
  timing:
    url: http://timing:9000/analyze
    rate_limit:
      capacity: 5
      refill_per_sec: 1
`

func TestParse_AppliesDefaults(t *testing.T) {
	c, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "fail-fast", c.Cascade.DefaultPolicy)
	assert.Equal(t, 10*time.Second, c.Cascade.RequestDeadline)
	assert.Equal(t, 8080, c.Server.Port)

	assert.Equal(t, 2*time.Second, c.Endpoints.Macro.Timeout)
	assert.Equal(t, 2, c.Endpoints.Macro.RetryCount)
	assert.Equal(t, 5, c.Endpoints.Macro.FailureThreshold)
	assert.Equal(t, 30*time.Second, c.Endpoints.Macro.OpenTimeout)

	assert.Equal(t, 0, c.Endpoints.Sector.RetryCount)
	assert.Equal(t, 500*time.Millisecond, c.Endpoints.Asset.Timeout)
	assert.Equal(t, 5.0, c.Endpoints.Timing.RateLimit.Capacity)
	assert.Equal(t, 1.0, c.Endpoints.Timing.RateLimit.RefillPerSec)
	assert.Equal(t, 20.0, c.Endpoints.Macro.RateLimit.Capacity)
}

func TestParse_MissingEndpointURL(t *testing.T) {
	_, err := Parse([]byte("environment: test\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints.macro.url")
}

func TestParse_BadPolicy(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "cascade:\n  default_policy: retry-forever\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_policy")
}

func TestApplyEnv(t *testing.T) {
	c, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	env := map[string]string{
		"CASCADE_POLICY": "degrade",
		"KAFKA_BROKERS":  "k1:9092,k2:9092",
		"REDIS_ADDR":     "cache:6379",
		"ASSET_URL":      "http://override/asset",
	}
	c.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "degrade", c.Cascade.DefaultPolicy)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, "cache:6379", c.Redis.Addr)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, "http://override/asset", c.Endpoints.Asset.URL)
	assert.Equal(t, "http://macro:9000/analyze", c.Endpoints.Macro.URL)
	require.NoError(t, c.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "test", c.Environment)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_QueueNeedsRedis(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "queue:\n  enabled: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.enabled")

	c, err := Parse([]byte(minimalYAML + "queue:\n  enabled: true\nredis:\n  enabled: true\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, c.Queue.Workers)
	assert.Equal(t, 24*time.Hour, c.Queue.ResultTTL)
}
