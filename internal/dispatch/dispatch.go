// Package dispatch turns queue jobs into processor calls.
//
// Each queue gets one handler that decodes the envelope into that queue's
// sealed payload type and switches over the variants. Errors that cannot
// succeed on retry are marked with queue.NoRetry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"testjobs/internal/jobs"
	"testjobs/internal/processor"
	"testjobs/internal/queue"
	"testjobs/internal/store"
)

type TestRunProcessor interface {
	BulkStatusUpdate(ctx context.Context, job jobs.BulkStatusUpdate) (processor.StatusUpdateResult, error)
	BulkDelete(ctx context.Context, job jobs.BulkDelete) (processor.DeleteResult, error)
}

type ExportProcessor interface {
	Export(ctx context.Context, job jobs.Export) (processor.ExportResult, error)
}

type ScheduledRunProcessor interface {
	MaterializeScheduledRun(ctx context.Context, job jobs.ScheduledRun) (processor.MaterializeResult, error)
}

// Processors is satisfied by *processor.Processor.
type Processors interface {
	TestRunProcessor
	ExportProcessor
	ScheduledRunProcessor
}

func TestRun(p TestRunProcessor) queue.Handler {
	return func(ctx context.Context, j queue.Job) (any, error) {
		job, err := jobs.DecodeTestRun(envelope(j))
		if err != nil {
			return nil, err
		}
		switch job := job.(type) {
		case jobs.BulkStatusUpdate:
			return p.BulkStatusUpdate(ctx, job)
		case jobs.BulkDelete:
			return p.BulkDelete(ctx, job)
		}
		return nil, fmt.Errorf("unhandled test-run job %T", job)
	}
}

func Export(p ExportProcessor) queue.Handler {
	return func(ctx context.Context, j queue.Job) (any, error) {
		job, err := jobs.DecodeExport(envelope(j))
		if err != nil {
			return nil, err
		}
		switch job := job.(type) {
		case jobs.Export:
			return p.Export(ctx, job)
		}
		return nil, fmt.Errorf("unhandled export job %T", job)
	}
}

func ScheduledRun(p ScheduledRunProcessor) queue.Handler {
	return func(ctx context.Context, j queue.Job) (any, error) {
		job, err := jobs.DecodeScheduledRun(envelope(j))
		if err != nil {
			return nil, err
		}
		switch job := job.(type) {
		case jobs.ScheduledRun:
			return p.MaterializeScheduledRun(ctx, job)
		}
		return nil, fmt.Errorf("unhandled scheduled-run job %T", job)
	}
}

// Handlers returns the handler of every queue, keyed by queue name, wrapped
// with the given middleware and with Classify innermost.
func Handlers(p Processors, mw ...Middleware) map[string]queue.Handler {
	base := map[string]queue.Handler{
		jobs.QueueTestRun:      TestRun(p),
		jobs.QueueExport:       Export(p),
		jobs.QueueScheduledRun: ScheduledRun(p),
	}
	chain := append(slices.Clone(mw), Classify())
	out := make(map[string]queue.Handler, len(base))
	for name, h := range base {
		out[name] = Chain(h, chain...)
	}
	return out
}

func envelope(j queue.Job) jobs.Envelope {
	return jobs.Envelope{Type: j.Type, Data: j.Payload}
}

// Permanent reports whether err will fail the same way on every attempt.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	var unknown *jobs.UnknownTypeError
	switch {
	case errors.As(err, &unknown),
		errors.Is(err, jobs.ErrInvalidPayload),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, processor.ErrUnsupportedFormat),
		errors.Is(err, processor.ErrTemplateMismatch):
		return true
	}
	return false
}
