package recurrence

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func utc(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	t.Parallel()

	wed := utc(2024, 1, 3, 15, 30) // Wednesday
	explicit := utc(2030, 6, 1, 8, 0)
	explicitJSON, _ := json.Marshal(map[string]any{"nextRun": explicit})
	stale := utc(2023, 6, 1, 0, 0)
	staleJSON, _ := json.Marshal(map[string]any{"nextRun": stale})

	tests := []struct {
		name string
		freq string
		cfg  string
		now  time.Time
		want time.Time
	}{
		{"daily at nine", "daily", `{"hour":9,"minute":0}`, utc(2024, 1, 1, 10, 0), utc(2024, 1, 2, 9, 0)},
		{"daily defaults to midnight", "daily", `{}`, utc(2024, 1, 1, 10, 0), utc(2024, 1, 2, 0, 0)},
		{"daily crosses year end", "daily", `{"hour":6,"minute":15}`, utc(2024, 12, 31, 23, 0), utc(2025, 1, 1, 6, 15)},
		{"weekly monday from wednesday", "weekly", `{"dayOfWeek":1}`, wed, utc(2024, 1, 8, 0, 0)},
		{"weekly same weekday goes a week out", "weekly", `{"dayOfWeek":3,"hour":18}`, wed, utc(2024, 1, 10, 18, 0)},
		{"weekly later this week", "weekly", `{"dayOfWeek":5,"hour":9,"minute":5}`, wed, utc(2024, 1, 5, 9, 5)},
		{"weekly defaults to monday", "weekly", ``, wed, utc(2024, 1, 8, 0, 0)},
		{"monthly day 15", "monthly", `{"dayOfMonth":15,"hour":12}`, utc(2024, 3, 20, 0, 0), utc(2024, 4, 15, 12, 0)},
		{"monthly defaults to the first", "monthly", `{}`, utc(2024, 3, 20, 0, 0), utc(2024, 4, 1, 0, 0)},
		{"monthly clamps to leap february", "monthly", `{"dayOfMonth":31}`, utc(2024, 1, 31, 10, 0), utc(2024, 2, 29, 0, 0)},
		{"monthly clamps to thirty days", "monthly", `{"dayOfMonth":31,"hour":1}`, utc(2024, 3, 31, 10, 0), utc(2024, 4, 30, 1, 0)},
		{"monthly december rolls year", "monthly", `{"dayOfMonth":2}`, utc(2024, 12, 5, 0, 0), utc(2025, 1, 2, 0, 0)},
		{"custom explicit next run", "custom", string(explicitJSON), wed, explicit},
		{"custom past next run is kept", "custom", string(staleJSON), wed, stale},
		{"custom without next run", "custom", `{}`, wed, wed.AddDate(0, 0, 1)},
		{"custom cron", "custom", `{"cron":"0 9 * * *"}`, wed, utc(2024, 1, 4, 9, 0)},
		{"case insensitive frequency", "DAILY", `{"hour":1}`, wed, utc(2024, 1, 4, 1, 0)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Next(tt.freq, json.RawMessage(tt.cfg), tt.now)
			require.False(t, res.Fallback, "unexpected fallback: %v", res.Err)
			require.NoError(t, res.Err)
			assert.True(t, res.At.Equal(tt.want), "Next() = %s, want %s", res.At, tt.want)
		})
	}
}

func TestNextFallback(t *testing.T) {
	t.Parallel()
	now := utc(2024, 1, 1, 10, 0)
	want := now.AddDate(0, 0, 1)

	tests := []struct {
		name    string
		freq    string
		cfg     string
		unknown bool
	}{
		{"malformed json", "daily", `{"hour":`, false},
		{"wrong field type", "weekly", `{"dayOfWeek":"monday"}`, false},
		{"hour out of range", "daily", `{"hour":24}`, false},
		{"day of week out of range", "weekly", `{"dayOfWeek":7}`, false},
		{"day of month out of range", "monthly", `{"dayOfMonth":0}`, false},
		{"bad cron", "custom", `{"cron":"not a cron"}`, false},
		{"unknown frequency", "hourly", `{}`, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res := Next(tt.freq, json.RawMessage(tt.cfg), now)
			require.True(t, res.Fallback)
			require.Error(t, res.Err)
			assert.True(t, res.At.Equal(want), "At = %s, want %s", res.At, want)
			assert.Equal(t, tt.unknown, errors.Is(res.Err, ErrUnknownFrequency))
		})
	}
}

func TestNextTriggerTyped(t *testing.T) {
	t.Parallel()
	now := utc(2024, 2, 10, 8, 0) // Saturday
	got := NextTrigger(Weekly{DayOfWeek: time.Sunday, Hour: 7}, now)
	assert.True(t, got.Equal(utc(2024, 2, 11, 7, 0)), "NextTrigger() = %s", got)
	assert.True(t, NextTrigger(nil, now).Equal(now.AddDate(0, 0, 1)))
}

func TestParseReturnsVariant(t *testing.T) {
	t.Parallel()
	s, err := Parse("monthly", json.RawMessage(`{"dayOfMonth":10,"hour":4,"minute":30}`))
	require.NoError(t, err)
	require.IsType(t, Monthly{}, s)
	assert.Equal(t, Monthly{DayOfMonth: 10, Hour: 4, Minute: 30}, s)
}
