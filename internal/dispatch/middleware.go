package dispatch

import (
	"context"
	"time"

	"testjobs/internal/queue"
	logx "testjobs/pkg/logx"
)

type Middleware func(next queue.Handler) queue.Handler

// Chain wraps h so that m[0] is the outermost layer.
func Chain(h queue.Handler, m ...Middleware) queue.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// Classify marks permanent failures with queue.NoRetry.
func Classify() Middleware {
	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, j queue.Job) (any, error) {
			res, err := next(ctx, j)
			if err != nil && Permanent(err) && !queue.IsNoRetry(err) {
				return res, queue.NoRetry(err)
			}
			return res, err
		}
	}
}

// RequestLog logs each attempt at debug level and failures at warn.
func RequestLog(log logx.Logger) Middleware {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(next queue.Handler) queue.Handler {
		return func(ctx context.Context, j queue.Job) (any, error) {
			start := time.Now()
			res, err := next(ctx, j)
			fields := []logx.Field{
				logx.Job(j.Queue, j.ID, j.Type),
				logx.Int("attempt", j.Attempt),
				logx.Duration("dur", time.Since(start)),
			}
			if err != nil {
				log.Warn("attempt failed", append(fields, logx.Bool("permanent", Permanent(err)), logx.Err(err))...)
				return res, err
			}
			log.Debug("attempt ok", fields...)
			return res, nil
		}
	}
}
