package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		m := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSON(&buf, "debug").With(String("comp", "queue"))

	log.Info("job done", Job("export-jobs", "j1", "export"), Int("attempt", 2), Err(errors.New("boom")), Err(nil))
	log.Debug("skipped", Stack(" "))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "job done", lines[0]["message"])
	assert.Equal(t, "queue", lines[0]["comp"])
	assert.Equal(t, "export-jobs", lines[0]["queue"])
	assert.Equal(t, "j1", lines[0]["job_id"])
	assert.Equal(t, "export", lines[0]["job_type"])
	assert.EqualValues(t, 2, lines[0]["attempt"])
	assert.Equal(t, "boom", lines[0]["err"])
	assert.Contains(t, lines[0]["caller"], "logging_test.go:")
	assert.NotContains(t, lines[1], "stack")
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSON(&buf, "info")
	a := base.With(String("k", "a"))
	b := base.With(String("k", "b"))
	a.Info("x")
	b.Info("y")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0]["k"])
	assert.Equal(t, "b", lines[1]["k"])
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("dropped")
	assert.False(t, Nop().IsZero())
}

func TestServiceFileSinkAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "testjobs.log")
	var console bytes.Buffer
	svc, log := New(Config{
		Level:      "info",
		File:       FileConfig{Enabled: true, Path: path, MaxSizeMB: 1},
		ConsoleOut: &console,
	})
	defer func() { _ = svc.Close() }()

	log.Debug("hidden")
	log.Info("visible", String("run", "r1"))

	svc.Apply(Config{Level: "debug", Console: true, File: FileConfig{Enabled: true, Path: path, MaxSizeMB: 1}, ConsoleOut: &console})
	log.Debug("now visible")
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "visible", lines[0]["message"])
	assert.Equal(t, "r1", lines[0]["run"])
	assert.Equal(t, "now visible", lines[1]["message"])
	assert.Contains(t, console.String(), "now visible")
	assert.NotContains(t, console.String(), "hidden")
}

func TestServiceWithoutSinksKeepsWarnings(t *testing.T) {
	var console bytes.Buffer
	svc, log := New(Config{Level: "debug", ConsoleOut: &console})
	defer func() { _ = svc.Close() }()

	log.Info("quiet")
	log.Warn("loud")
	assert.NotContains(t, console.String(), "quiet")
	assert.Contains(t, console.String(), "loud")
}
