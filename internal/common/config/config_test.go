package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveEnv(t *testing.T) {
	t.Setenv("X_A", "va")
	in := []byte("a: ${X_A:da}\nb: ${X_B:db}")
	out := resolveEnv(in)
	assert.Contains(t, string(out), "a: va")
	assert.Contains(t, string(out), "b: db")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("X_UPSTREAM_KEY", "sk-test")
	yaml := `
server:
  addr: ":9090"
upstream:
  base_url: https://llm.example.com/v1
  api_key: ${X_UPSTREAM_KEY:}
  model: gpt-4o-mini
store:
  type: memory
  session_ttl: 45m
rate_limit:
  capacity: 30
  refill_rate: 0.5
`
	file := filepath.Join(t.TempDir(), "skychat.yaml")
	assert.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	cfg, err := Load(file)
	assert.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sk-test", cfg.Upstream.APIKey)
	assert.Equal(t, 45*time.Minute, cfg.Store.SessionTTL)

	// defaults
	assert.Equal(t, 30*time.Minute, cfg.Store.CacheTTL)
	assert.Equal(t, 20, cfg.Store.ContextWindow)
	assert.Equal(t, 4, cfg.Registry.MaxConnectionsPerSession)
	assert.Equal(t, 15*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Registry.MaxMissedHeartbeats)
	assert.Equal(t, time.Second, cfg.Pipeline.CancelGrace)
	assert.Equal(t, "skychat", cfg.Metrics.Namespace)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.Upstream.BaseURL = "https://llm.example.com/v1"
		c.Upstream.Model = "gpt-4o-mini"
		c.setDefaults()
		return c
	}

	assert.NoError(t, base().Validate())

	c := base()
	c.Store.Type = "etcd"
	assert.ErrorContains(t, c.Validate(), "invalid store type")

	c = base()
	c.Store.Type = "redis"
	assert.ErrorContains(t, c.Validate(), "store.redis.addr")

	c = base()
	c.RateLimit.Type = "redis"
	assert.ErrorContains(t, c.Validate(), "rate_limit.redis.addr")

	c = base()
	c.RateLimit.GlobalCapacity = 100
	assert.ErrorContains(t, c.Validate(), "global_refill_rate")

	c = base()
	c.Upstream.Model = ""
	assert.ErrorContains(t, c.Validate(), "upstream.model")

	c = base()
	c.Store.ContextWindow = 1
	assert.ErrorContains(t, c.Validate(), "context_window")
}
