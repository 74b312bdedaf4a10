package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "testjobs/pkg/logx"
)

var errInterrupted = errors.New("queue stopped mid-job")

func (q *Queue) worker(ctx context.Context, stopCh <-chan struct{}, ch chan queuedJob, idx int) {
	// Per-worker RNG so concurrent retries don't contend on the global source.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj, ok := <-ch:
			if !ok {
				return
			}
			q.inFlight.Add(1)
			q.metrics.addInFlight(qj.rec.Queue, 1)
			q.execOne(ctx, stopCh, qj, rng)
			q.metrics.addInFlight(qj.rec.Queue, -1)
			q.inFlight.Add(-1)
			q.metrics.setDepth(qj.rec.Queue, q.pending.Add(-1))
		}
	}
}

func (q *Queue) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	rec := qj.rec
	cfg := q.config()
	start := time.Now()
	queueDelay := max(start.Sub(rec.EnqueuedAt), 0)
	log := q.log.With(logx.String("job_id", rec.ID), logx.String("job_type", rec.Type))

	log.Debug("job.started", logx.Duration("queue_delay", queueDelay))
	q.publish("job.started", rec, rec.Attempts+1, queueDelay, 0, "")

	maxAttempts := 1 + cfg.RetryMax
	// A recovered job gets at least one more attempt.
	first := min(rec.Attempts+1, maxAttempts)

	var (
		result   any
		err      error
		attempts int
	)
attemptLoop:
	for attempt := first; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		if werr := q.limiter.Wait(ctx); werr != nil {
			err = errInterrupted
			break
		}
		if serr := q.jobs.MarkJobActive(ctx, rec.ID, attempt, time.Now().UTC()); serr != nil {
			if ctx.Err() != nil {
				err = errInterrupted
				break
			}
			log.Warn("failed to mark job active", logx.Err(serr))
		}

		result, err = q.runAttempt(ctx, cfg.Timeout, Job{
			ID:         rec.ID,
			Queue:      rec.Queue,
			Type:       rec.Type,
			Payload:    rec.Payload,
			Attempt:    attempt,
			EnqueuedAt: rec.EnqueuedAt,
		}, log)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			err = errInterrupted
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		q.retried.Add(1)
		q.metrics.retried(rec.Queue, rec.Type)
		q.publish("job.retry", rec, attempt, queueDelay, time.Since(start), err.Error())
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				err = errInterrupted
				break attemptLoop
			case <-stopCh:
				tmr.Stop()
				err = errInterrupted
				break attemptLoop
			case <-tmr.C:
			}
		}
	}

	if errors.Is(err, errInterrupted) {
		// State stays queued/active so the next Start picks the job up again.
		log.Info("job interrupted", logx.Int("attempts", attempts))
		return
	}

	dur := time.Since(start)
	item := HistoryItem{ID: rec.ID, Type: rec.Type, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	// Final state is written even if the worker context has been cancelled meanwhile.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err != nil {
		item.Error = err.Error()
		q.failed.Add(1)
		q.metrics.finished(rec.Queue, rec.Type, "failed", dur)
		if serr := q.jobs.FailJob(sctx, rec.ID, item.Error, time.Now().UTC()); serr != nil {
			log.Error("failed to record job failure", logx.Err(serr))
		}
		log.Warn("job.failed", logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		q.publish("job.failed", rec, attempts, queueDelay, dur, item.Error)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			log.Warn("job result not serializable", logx.Err(merr))
			raw = nil
		}
		q.completed.Add(1)
		q.metrics.finished(rec.Queue, rec.Type, "completed", dur)
		if serr := q.jobs.CompleteJob(sctx, rec.ID, raw, time.Now().UTC()); serr != nil {
			log.Error("failed to record job completion", logx.Err(serr))
		}
		if dur >= 750*time.Millisecond {
			log.Info("job.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			log.Debug("job.completed", logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		q.publish("job.completed", rec, attempts, queueDelay, dur, "")
	}

	q.record(item, cfg.HistorySize)
}

// runAttempt converts handler panics into errors so a bad job can't kill a worker.
func (q *Queue) runAttempt(ctx context.Context, timeout time.Duration, job Job, log logx.Logger) (res any, err error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
			log.Error("job.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return q.handler(runCtx, job)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := min(max(ra.RetryAfter(), 0), cfg.RetryMaxDelay)
		return jitter(d, cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, cfg.RetryMaxDelay)
}
