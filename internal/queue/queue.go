// Package queue runs durable job queues.
//
// Each Queue persists its jobs through a store.JobStore, hands them to a
// fixed pool of supervised workers over a buffered channel and throttles
// attempts with a token bucket shared by the pool. Jobs left queued or active
// by a previous process are picked up again on Start, so delivery is
// at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"testjobs/internal/eventbus"
	"testjobs/internal/jobs"
	rtsup "testjobs/internal/runtime/supervisor"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

type Queue struct {
	mu      sync.Mutex
	cfg     Config
	handler Handler
	jobs    store.JobStore
	log     logx.Logger
	bus     eventbus.Bus
	metrics *Metrics
	limiter *rate.Limiter

	ch       chan queuedJob
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	draining bool

	pending  atomic.Int64
	inFlight atomic.Int64

	completed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	recovered atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type queuedJob struct {
	rec store.JobRecord
}

type Option func(*Queue)

func WithLogger(log logx.Logger) Option { return func(q *Queue) { q.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }

func WithMetrics(m *Metrics) Option { return func(q *Queue) { q.metrics = m } }

func New(cfg Config, handler Handler, js store.JobStore, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{
		cfg:     cfg,
		handler: handler,
		jobs:    js,
		limiter: rate.NewLimiter(limitOf(cfg.RatePerSec), cfg.Burst),
	}
	for _, o := range opts {
		o(q)
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	q.log = q.log.With(logx.String("queue", cfg.Name))
	return q
}

func limitOf(perSec float64) rate.Limit {
	if perSec < 0 {
		return rate.Inf
	}
	return rate.Limit(perSec)
}

func (q *Queue) Name() string { return q.cfg.Name }

// Start launches the workers and re-enqueues unfinished jobs from the store.
// It is a no-op when the queue is already running.
func (q *Queue) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if q.handler == nil {
		return ErrNoHandler
	}

	q.mu.Lock()
	if q.stopCh != nil {
		done := q.stopDone
		q.mu.Unlock()
		if done == nil {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
		if q.stopCh != nil {
			q.mu.Unlock()
			return nil
		}
	}

	cfg := q.cfg
	unfinished, err := q.jobs.ListUnfinishedJobs(ctx, cfg.Name)
	if err != nil {
		q.mu.Unlock()
		return fmt.Errorf("%s: list unfinished jobs: %w", cfg.Name, err)
	}

	q.ch = make(chan queuedJob, cfg.QueueSize)
	q.stopCh = make(chan struct{})
	q.stopDone = nil
	q.draining = false
	q.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(q.log.With(logx.String("comp", "queue"))),
		rtsup.WithCancelOnError(false),
	)
	ch, stopCh, sup := q.ch, q.stopCh, q.sup
	q.pending.Store(int64(len(unfinished)))
	q.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			q.worker(c, stopCh, ch, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	if len(unfinished) > 0 {
		sup.Go("recover", func(c context.Context) error {
			for i, rec := range unfinished {
				select {
				case ch <- queuedJob{rec: rec}:
					q.recovered.Add(1)
				case <-stopCh:
					q.pending.Add(-int64(len(unfinished) - i))
					return nil
				case <-c.Done():
					q.pending.Add(-int64(len(unfinished) - i))
					return nil
				}
			}
			return nil
		})
		q.log.Info("recovering unfinished jobs", logx.Int("count", len(unfinished)))
	}
	q.metrics.setDepth(cfg.Name, q.pending.Load())

	q.log.Info("queue started",
		logx.Int("workers", cfg.Workers),
		logx.Int("queue", cfg.QueueSize),
		logx.Float64("rate_per_sec", cfg.RatePerSec),
		logx.Int("burst", cfg.Burst),
	)
	return nil
}

// Enqueue persists the job and hands it to the workers, blocking while the
// channel is full. It returns the job id.
func (q *Queue) Enqueue(ctx context.Context, env jobs.Envelope) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return "", NoRetry(errors.New("job type is required"))
	}

	q.mu.Lock()
	ch, stopCh := q.ch, q.stopCh
	stopping := q.stopDone != nil || q.draining
	name := q.cfg.Name
	q.mu.Unlock()

	if ch == nil || stopCh == nil {
		return "", ErrStopped
	}
	if stopping {
		return "", ErrStopping
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	rec := store.JobRecord{
		ID:         uuid.NewString(),
		Queue:      name,
		Type:       typ,
		Payload:    payload,
		State:      store.JobQueued,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.jobs.InsertJob(ctx, rec); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	q.metrics.setDepth(name, q.pending.Add(1))
	select {
	case ch <- queuedJob{rec: rec}:
		q.publish("job.queued", rec, 0, 0, 0, "")
		return rec.ID, nil
	case <-ctx.Done():
		q.abandon(rec, ctx.Err())
		return "", ctx.Err()
	case <-stopCh:
		q.abandon(rec, ErrStopping)
		return "", ErrStopping
	}
}

// abandon fails a persisted job that never reached a worker.
func (q *Queue) abandon(rec store.JobRecord, cause error) {
	q.metrics.setDepth(rec.Queue, q.pending.Add(-1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.jobs.FailJob(ctx, rec.ID, "enqueue aborted: "+cause.Error(), time.Now().UTC()); err != nil {
		q.log.Warn("failed to mark abandoned job", logx.String("job_id", rec.ID), logx.Err(err))
	}
}

// Job returns the persisted state of a job of this queue.
func (q *Queue) Job(ctx context.Context, id string) (store.JobRecord, error) {
	rec, err := q.jobs.GetJob(ctx, id)
	if err != nil {
		return store.JobRecord{}, err
	}
	if rec.Queue != q.cfg.Name {
		return store.JobRecord{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// Drain stops accepting jobs, waits for everything accepted so far to finish
// and then stops the workers.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for q.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return q.Stop(ctx)
}

// Stop cancels the workers. Jobs interrupted mid-attempt keep their stored
// state and run again on the next Start.
func (q *Queue) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return nil
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	q.stopDone = done
	close(q.stopCh)
	sup := q.sup
	q.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		q.mu.Lock()
		q.ch = nil
		q.stopCh = nil
		q.stopDone = nil
		q.sup = nil
		q.draining = false
		q.mu.Unlock()
		q.pending.Store(0)
		q.metrics.setDepth(q.cfg.Name, 0)
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("queue stopped")
		return nil
	case <-ctx.Done():
		q.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Apply updates the rate limit, retry policy and timeout in place. A change
// of worker count or channel size restarts the pool; queued jobs survive
// through the store.
func (q *Queue) Apply(ctx context.Context, cfg Config) error {
	cfg.Name = q.cfg.Name
	cfg = cfg.withDefaults()

	q.mu.Lock()
	prev := q.cfg
	q.cfg = cfg
	running := q.stopCh != nil && q.stopDone == nil
	q.mu.Unlock()

	q.limiter.SetLimit(limitOf(cfg.RatePerSec))
	q.limiter.SetBurst(cfg.Burst)

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		q.log.Info("queue pool resized, restarting", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		if err := q.Stop(ctx); err != nil {
			return err
		}
		return q.Start(ctx)
	}
	return nil
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	cfg := q.cfg
	ch := q.ch
	running := q.stopCh != nil && q.stopDone == nil
	draining := q.draining
	sup := q.sup
	q.mu.Unlock()

	ql, qc := 0, 0
	if ch != nil {
		ql, qc = len(ch), cap(ch)
	}

	q.hmu.Lock()
	h := make([]HistoryItem, len(q.history))
	copy(h, q.history)
	q.hmu.Unlock()

	return Snapshot{
		Name:       cfg.Name,
		Running:    running,
		Draining:   draining,
		Workers:    cfg.Workers,
		QueueLen:   ql,
		QueueCap:   qc,
		Pending:    q.pending.Load(),
		InFlight:   q.inFlight.Load(),
		RatePerSec: cfg.RatePerSec,
		Burst:      cfg.Burst,
		Timeout:    cfg.Timeout,
		RetryMax:   cfg.RetryMax,
		Completed:  q.completed.Load(),
		Failed:     q.failed.Load(),
		Retried:    q.retried.Load(),
		Recovered:  q.recovered.Load(),
		Pool:       sup.Counters(),
		History:    h,
	}
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

func (q *Queue) publish(typ string, rec store.JobRecord, attempts int, delay, dur time.Duration, errMsg string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: JobEvent{
		ID:         rec.ID,
		Queue:      rec.Queue,
		Type:       rec.Type,
		QueueDelay: delay,
		Duration:   dur,
		Attempts:   attempts,
		Error:      errMsg,
	}})
}

func (q *Queue) record(item HistoryItem, size int) {
	q.hmu.Lock()
	q.history = append(q.history, item)
	if len(q.history) > size {
		q.history = q.history[len(q.history)-size:]
	}
	q.hmu.Unlock()
}
