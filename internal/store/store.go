// Package store defines the persistence contract the job subsystem works against.
//
// Two backends implement it:
//   - memstore: in-memory, copy-on-commit transactions (tests, local runs)
//   - sqlstore: database/sql over sqlite, postgres or mysql
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrClosed   = errors.New("store closed")
)

// Repository is the set of reads and writes available both on the store and
// inside a transaction.
type Repository interface {
	GetTestRun(ctx context.Context, id string) (TestRun, error)
	CreateTestRun(ctx context.Context, run TestRun) error

	GetTestPlan(ctx context.Context, id string) (TestPlan, error)
	CreateTestPlan(ctx context.Context, plan TestPlan) error
	CreateTestCase(ctx context.Context, tc TestCase) error
	// ListPlanCases returns the cases currently in the plan, ordered by id.
	ListPlanCases(ctx context.Context, planID string) ([]TestCase, error)

	// ListResults returns the run's results whose case is in caseIDs.
	// A nil caseIDs selects every result of the run.
	ListResults(ctx context.Context, runID string, caseIDs []string) ([]TestRunResult, error)
	// ListResultRows returns the run's results joined to their cases, ordered by case id.
	ListResultRows(ctx context.Context, runID string) ([]ResultRow, error)
	CreateResults(ctx context.Context, results []TestRunResult) error
	UpdateResult(ctx context.Context, r TestRunResult) error
	// DeleteResults removes results listed in ids that belong to runID and
	// returns how many rows went away.
	DeleteResults(ctx context.Context, runID string, ids []string) (int, error)

	GetTemplate(ctx context.Context, id string) (ScheduleTemplate, error)
	CreateTemplate(ctx context.Context, t ScheduleTemplate) error
	GetScheduledRun(ctx context.Context, id string) (ScheduledRun, error)
	CreateScheduledRun(ctx context.Context, sr ScheduledRun) error
	UpdateScheduledRun(ctx context.Context, sr ScheduledRun) error
	// ListDueScheduledRuns returns records with NextRunAt <= now, oldest first.
	ListDueScheduledRuns(ctx context.Context, now time.Time, limit int) ([]ScheduledRun, error)
}

// JobStore persists queue job state.
type JobStore interface {
	InsertJob(ctx context.Context, j JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	MarkJobActive(ctx context.Context, id string, attempts int, at time.Time) error
	CompleteJob(ctx context.Context, id string, result []byte, at time.Time) error
	FailJob(ctx context.Context, id string, errMsg string, at time.Time) error
	// ListUnfinishedJobs returns queued and active jobs of a queue, oldest first.
	ListUnfinishedJobs(ctx context.Context, queue string) ([]JobRecord, error)
}

type Store interface {
	Repository
	JobStore

	// WithTx runs fn in a transaction; fn's error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Repository) error) error
	Close() error
}

// Config selects a backend.
//
// Driver values:
//   - "memory": in-process, lost on exit
//   - "sqlite": DSN is a file path
//   - "postgres", "mysql": DSN is the driver connection string
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxOpen     int
}
