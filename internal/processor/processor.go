// Package processor holds the units of work behind each job type: bulk status
// updates, bulk deletes, exports and scheduled-run materialization.
package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrTemplateMismatch  = errors.New("schedule template mismatch")
)

// NotFoundError reports a missing subject. It matches store.ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return store.ErrNotFound }

func notFound(kind, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("load %s %s: %w", kind, id, err)
}

type Processor struct {
	store     store.Store
	locks     *RunLocks
	exportDir string
	log       logx.Logger
	now       func() time.Time
	newID     func() string
}

type Option func(*Processor)

func WithLogger(log logx.Logger) Option { return func(p *Processor) { p.log = log } }

// WithExportDir sets where export artifacts are written.
func WithExportDir(dir string) Option { return func(p *Processor) { p.exportDir = dir } }

// WithRunLocks shares a lock table between processors.
func WithRunLocks(l *RunLocks) Option { return func(p *Processor) { p.locks = l } }

func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

func WithIDGenerator(fn func() string) Option { return func(p *Processor) { p.newID = fn } }

func New(st store.Store, opts ...Option) *Processor {
	p := &Processor{
		store:     st,
		exportDir: "exports",
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	if p.locks == nil {
		p.locks = NewRunLocks()
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}
