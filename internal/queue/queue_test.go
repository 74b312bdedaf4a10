package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testjobs/internal/eventbus"
	"testjobs/internal/jobs"
	"testjobs/internal/store"
	"testjobs/internal/store/memstore"
)

func fastConfig() Config {
	return Config{
		Name:          "test-run-jobs",
		Workers:       2,
		QueueSize:     8,
		RatePerSec:    -1,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Timeout:       time.Second,
	}
}

func startQueue(t *testing.T, cfg Config, h Handler, opts ...Option) (*Queue, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	q := New(cfg, h, st, opts...)
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q, st
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
}

func env(typ string) jobs.Envelope {
	return jobs.Envelope{Type: typ, Data: json.RawMessage(`{"n":1}`)}
}

func TestEnqueueRunsJobAndStoresResult(t *testing.T) {
	var got Job
	q, st := startQueue(t, fastConfig(), func(_ context.Context, j Job) (any, error) {
		got = j
		return map[string]any{"success": true}, nil
	})

	id, err := q.Enqueue(context.Background(), env("bulk-delete"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, rec.State)
	assert.Equal(t, 1, rec.Attempts)
	assert.JSONEq(t, `{"success":true}`, string(rec.Result))
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.FinishedAt)

	assert.Equal(t, id, got.ID)
	assert.Equal(t, "bulk-delete", got.Type)
	assert.Equal(t, 1, got.Attempt)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	snap := q.Snapshot()
	assert.EqualValues(t, 1, snap.Completed)
	require.Len(t, snap.History, 1)
	assert.Equal(t, id, snap.History[0].ID)
}

func TestRetryUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	q, st := startQueue(t, fastConfig(), func(context.Context, Job) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})

	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.EqualValues(t, 2, q.Snapshot().Retried)
}

func TestRetriesExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMax = 2
	var calls atomic.Int32
	q, st := startQueue(t, cfg, func(context.Context, Job) (any, error) {
		calls.Add(1)
		return nil, errors.New("db down")
	})

	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rec.State)
	assert.Equal(t, "db down", rec.Error)
	assert.Equal(t, 3, rec.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	assert.EqualValues(t, 1, q.Snapshot().Failed)
}

func TestNoRetryFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	q, st := startQueue(t, fastConfig(), func(context.Context, Job) (any, error) {
		calls.Add(1)
		return nil, NoRetry(errors.New("Unknown job type: nope"))
	})

	id, err := q.Enqueue(context.Background(), env("nope"))
	require.NoError(t, err)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rec.State)
	assert.Equal(t, "Unknown job type: nope", rec.Error)
	assert.EqualValues(t, 1, calls.Load())
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMax = -1
	q, st := startQueue(t, cfg, func(context.Context, Job) (any, error) {
		panic("boom")
	})

	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rec.State)
	assert.Equal(t, "panic: boom", rec.Error)
}

func TestAttemptTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryMax = -1
	cfg.Timeout = 20 * time.Millisecond
	q, st := startQueue(t, cfg, func(ctx context.Context, _ Job) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	drain(t, q)

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, rec.State)
	assert.Contains(t, rec.Error, "deadline exceeded")
}

func TestStartRecoversUnfinishedJobs(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.InsertJob(ctx, store.JobRecord{ID: "a", Queue: "test-run-jobs", Type: "bulk-delete", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))
	require.NoError(t, st.InsertJob(ctx, store.JobRecord{ID: "b", Queue: "test-run-jobs", Type: "bulk-delete", Payload: json.RawMessage(`{}`), EnqueuedAt: now.Add(time.Millisecond)}))
	require.NoError(t, st.MarkJobActive(ctx, "b", 1, now))
	require.NoError(t, st.InsertJob(ctx, store.JobRecord{ID: "other", Queue: "export-jobs", Type: "export", Payload: json.RawMessage(`{}`), EnqueuedAt: now}))

	var seen atomic.Int32
	q := New(fastConfig(), func(_ context.Context, j Job) (any, error) {
		seen.Add(1)
		if j.ID == "b" {
			assert.Equal(t, 2, j.Attempt)
		}
		return nil, nil
	}, st)
	require.NoError(t, q.Start(ctx))
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	drain(t, q)

	assert.EqualValues(t, 2, seen.Load())
	assert.EqualValues(t, 2, q.Snapshot().Recovered)
	for _, id := range []string{"a", "b"} {
		rec, err := st.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.JobCompleted, rec.State, id)
	}
	other, err := st.GetJob(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, store.JobQueued, other.State)
}

func TestEnqueueRejectedWhenNotRunning(t *testing.T) {
	q := New(fastConfig(), func(context.Context, Job) (any, error) { return nil, nil }, memstore.New())
	_, err := q.Enqueue(context.Background(), env("export"))
	require.ErrorIs(t, err, ErrStopped)

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Stop(context.Background()))
	_, err = q.Enqueue(context.Background(), env("export"))
	require.ErrorIs(t, err, ErrStopped)
}

func TestEnqueueRequiresType(t *testing.T) {
	q, _ := startQueue(t, fastConfig(), func(context.Context, Job) (any, error) { return nil, nil })
	_, err := q.Enqueue(context.Background(), jobs.Envelope{Type: " "})
	require.Error(t, err)
	assert.True(t, IsNoRetry(err))
}

func TestStartWithoutHandler(t *testing.T) {
	q := New(fastConfig(), nil, memstore.New())
	require.ErrorIs(t, q.Start(context.Background()), ErrNoHandler)
}

func TestStopLeavesInterruptedJobUnfinished(t *testing.T) {
	started := make(chan struct{})
	q, st := startQueue(t, fastConfig(), func(ctx context.Context, _ Job) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	rec, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.JobActive, rec.State)
	assert.False(t, rec.State.Finished())
}

func TestRateLimitSpacesAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Workers = 5
	cfg.RatePerSec = 20
	cfg.Burst = 1
	q, _ := startQueue(t, cfg, func(context.Context, Job) (any, error) { return nil, nil })

	start := time.Now()
	for range 5 {
		_, err := q.Enqueue(context.Background(), env("export"))
		require.NoError(t, err)
	}
	drain(t, q)
	// Five tokens at 20/s with burst 1 need at least four refill intervals.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestApplyResizesPool(t *testing.T) {
	q, _ := startQueue(t, fastConfig(), func(context.Context, Job) (any, error) { return nil, nil })

	cfg := fastConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.RatePerSec = 3
	require.NoError(t, q.Apply(context.Background(), cfg))

	snap := q.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, 4, snap.Workers)
	assert.Equal(t, 16, snap.QueueCap)
	assert.InDelta(t, 3.0, snap.RatePerSec, 0.001)
	assert.Equal(t, 3, snap.Burst)
	assert.Equal(t, "test-run-jobs", snap.Name)
	assert.EqualValues(t, 4, snap.Pool.Started)
	assert.Zero(t, snap.Pool.Restarts)
}

func TestEventsAndMetrics(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "job.")
	defer unsub()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	q, _ := startQueue(t, fastConfig(), func(context.Context, Job) (any, error) { return nil, nil },
		WithBus(bus), WithMetrics(m))
	id, err := q.Enqueue(context.Background(), env("export"))
	require.NoError(t, err)
	drain(t, q)

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case e := <-events:
			je, ok := e.Data.(JobEvent)
			require.True(t, ok)
			assert.Equal(t, id, je.ID)
			types = append(types, e.Type)
		case <-timeout:
			require.FailNowf(t, "lifecycle events incomplete", "got events %v", types)
		}
	}
	assert.Contains(t, types, "job.queued")
	assert.Contains(t, types, "job.started")
	assert.Contains(t, types, "job.completed")

	assert.InDelta(t, 1, gathered(t, reg, "testjobs_jobs_total", "completed"), 0)
	assert.InDelta(t, 0, gathered(t, reg, "testjobs_queue_depth", ""), 0)

	_, err = NewMetrics(reg)
	require.Error(t, err)
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 500*time.Millisecond, backoffDelay(cfg, 1, nil))
	assert.Equal(t, time.Second, backoffDelay(cfg, 2, nil))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 3, nil))
	assert.Equal(t, 15*time.Second, backoffDelay(cfg, 10, nil))

	hint := RetryAfter(errors.New("busy"), time.Hour)
	assert.Equal(t, 15*time.Second, backoffDelayWithHint(cfg, 1, hint, nil))
	hint = RetryAfter(errors.New("busy"), 2*time.Second)
	assert.Equal(t, 2*time.Second, backoffDelayWithHint(cfg, 1, hint, nil))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 5, cfg.Workers)
	assert.InDelta(t, 10.0, cfg.RatePerSec, 0)
	assert.Equal(t, 10, cfg.Burst)
	assert.Equal(t, 3, cfg.RetryMax)

	cfg = Config{RetryMax: -1}.withDefaults()
	assert.Equal(t, 0, cfg.RetryMax)
}

// gathered returns the value of the first sample of family name whose label
// values include want (any sample when want is empty).
func gathered(t *testing.T, reg *prometheus.Registry, name, want string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := want == ""
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == want {
					match = true
				}
			}
			if !match {
				continue
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	require.FailNowf(t, "metric missing", "metric %s{%s} not found", name, want)
	return 0
}
