package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  dsn: ./data/testjobs.db
  busy_timeout: 5s
queues:
  test_run:
    workers: 5
    rate_per_sec: 10
    timeout: 1m
  export:
    timeout: 2m
  scheduled_run:
    retry_max: -1
export:
  dir: ./exports
trigger:
  enabled: true
  spec: "@every 30s"
ops:
  enabled: true
  addr: 127.0.0.1:8089
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("testjobs.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Queues.TestRun.Workers)
	assert.InDelta(t, 10.0, cfg.Queues.TestRun.RatePerSec, 0)
	assert.Equal(t, -1, cfg.Queues.ScheduledRun.RetryMax)
	assert.Equal(t, "2m", cfg.Queues.Export.Timeout)
	assert.True(t, cfg.Trigger.Enabled)
	assert.Equal(t, "127.0.0.1:8089", cfg.Ops.Addr)
}

func TestDecodeJSONStrict(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"export":{"dir":"x"},"webhooks":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhooks")

	_, err = Decode("c.json", []byte(`{"storage":{"driver":"memory"},"export":{"dir":"x"}} {}`))
	require.Error(t, err)

	cfg, err := Decode("c.json", []byte(`{"storage":{"driver":"memory"},"export":{"dir":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cases := map[string]func(c *Config){
		"driver":      func(c *Config) { c.Storage.Driver = "oracle" },
		"dsn":         func(c *Config) { c.Storage.DSN = "" },
		"level":       func(c *Config) { c.Logging.Level = "loud" },
		"timeout":     func(c *Config) { c.Queues.Export.Timeout = "soon" },
		"negative":    func(c *Config) { c.Queues.TestRun.RetryBase = "-1s" },
		"workers":     func(c *Config) { c.Queues.ScheduledRun.Workers = -2 },
		"export dir":  func(c *Config) { c.Export.Dir = " " },
		"ops timeout": func(c *Config) { c.Ops.IdleTimeout = "x" },
	}
	for name, mutate := range cases {
		c := Default()
		mutate(c)
		assert.Error(t, c.Validate(), name)
	}

	c := Default()
	c.Storage = StorageConfig{Driver: "memory"}
	assert.NoError(t, c.Validate())
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationOrDefault("x", "90s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("queues.export.timeout", "-5s")
	require.EqualError(t, err, "queues.export.timeout: duration must be >= 0")
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	assert.Empty(t, SummarizeChange(a, b).Sections)

	b.Queues.Export.Workers = 9
	b.Ops.Token = "secret"
	ch := SummarizeChange(a, b)
	assert.Equal(t, []string{"queues", "ops"}, ch.Sections)
	assert.False(t, ch.NeedsRestart)
	assert.True(t, ch.Has("ops"))

	b.Storage.Driver = "memory"
	assert.True(t, SummarizeChange(a, b).NeedsRestart)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testjobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is ignored.
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: oracle\n"), 0o600))
	select {
	case <-ch:
		require.FailNow(t, "invalid config was published")
	case <-time.After(300 * time.Millisecond):
	}

	updated := strings.Replace(sampleYAML, "level: debug", "level: warn", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "warn", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		require.FailNow(t, "config change not published")
	}
}

func TestExampleConfigDecodes(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "testjobs.example.yaml")
	cfg, err := NewManager(path).Parse()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 50, cfg.Logging.File.MaxSizeMB)
	assert.Equal(t, "2m", cfg.Queues.ScheduledRun.Timeout)
	assert.Equal(t, "UTC", cfg.Trigger.Timezone)
}
