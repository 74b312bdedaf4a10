// Package trigger enqueues scheduled-run jobs for schedules that are due.
//
// A cron entry runs Scan periodically. Scan lists records whose nextRunAt has
// passed and enqueues one job per record, skipping records that still have a
// queued or active job. Materialization moves nextRunAt forward, so a record
// is picked up once per occurrence.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"testjobs/internal/jobs"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

type Config struct {
	Enabled  bool
	Spec     string // cron spec, "@every" or a duration; default every 30s
	Timezone string // IANA TZ for cron specs
	Batch    int    // max records per scan; default 100
}

const (
	DefaultSpec  = "@every 30s"
	DefaultBatch = 100
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Spec) == "" {
		c.Spec = DefaultSpec
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	return c
}

// Validate checks the spec and timezone without starting anything.
func (c Config) Validate() error {
	c = c.withDefaults()
	spec, err := normalizeSpec(c.Spec)
	if err != nil {
		return err
	}
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger spec %q: %w", c.Spec, err)
	}
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger timezone %q: %w", tz, err)
		}
	}
	return nil
}

// Source lists due schedules and the jobs still pending for them.
type Source interface {
	ListDueScheduledRuns(ctx context.Context, now time.Time, limit int) ([]store.ScheduledRun, error)
	GetTemplate(ctx context.Context, id string) (store.ScheduleTemplate, error)
	ListUnfinishedJobs(ctx context.Context, queue string) ([]store.JobRecord, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, env jobs.Envelope) (string, error)
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	src Source
	q   Enqueuer
	now func() time.Time

	c      *cron.Cron
	entry  cron.EntryID
	scanMu sync.Mutex
	stats  Stats

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type Stats struct {
	Scans    uint64    `json:"scans"`
	Enqueued uint64    `json:"enqueued"`
	Skipped  uint64    `json:"skipped"`
	Errors   uint64    `json:"errors"`
	LastScan time.Time `json:"last_scan"`
	NextScan time.Time `json:"next_scan"`
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func New(cfg Config, src Source, q Enqueuer, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg.withDefaults(),
		src:         src,
		q:           q,
		now:         time.Now,
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// Start registers the scan entry and starts cron. It does nothing when the
// service is disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	spec, err := normalizeSpec(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	base := context.WithoutCancel(ctx)
	id, err := c.AddFunc(spec, func() {
		if _, err := s.Scan(base); err != nil {
			s.log.Warn("scan failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("trigger spec %q: %w", spec, err)
	}
	c.Start()
	s.c, s.entry = c, id
	s.log.Info("trigger started", logx.String("spec", spec), logx.String("tz", loc.String()), logx.Int("batch", s.cfg.Batch))
	return nil
}

// Stop stops cron and waits for a running scan until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger stopped")
}

// Apply swaps the config, restarting cron when the schedule changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	c := s.c
	changed := prev.Spec != cfg.Spec || prev.Timezone != cfg.Timezone || prev.Enabled != cfg.Enabled
	s.mu.Unlock()

	if !changed {
		return nil
	}
	if c != nil {
		s.Stop(ctx)
	}
	return s.Start(ctx)
}

// Scan enqueues a job for every due schedule without a pending job and
// returns how many it enqueued.
func (s *Service) Scan(ctx context.Context) (int, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	s.mu.Lock()
	batch := s.cfg.Batch
	s.mu.Unlock()

	now := s.now().UTC()
	s.stats.Scans++
	s.stats.LastScan = now

	due, err := s.src.ListDueScheduledRuns(ctx, now, batch)
	if err != nil {
		s.stats.Errors++
		return 0, fmt.Errorf("list due schedules: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	busy, err := s.pendingSchedules(ctx)
	if err != nil {
		s.stats.Errors++
		return 0, err
	}

	enqueued := 0
	var errs []error
	for _, rec := range due {
		if busy[rec.ID] {
			s.stats.Skipped++
			s.log.Debug("schedule still pending, skipped", logx.String("schedule_id", rec.ID))
			continue
		}
		tpl, err := s.src.GetTemplate(ctx, rec.TemplateID)
		if err != nil {
			// The materializer reports the missing template as a job failure.
			if !errors.Is(err, store.ErrNotFound) {
				s.stats.Errors++
				errs = append(errs, fmt.Errorf("schedule %s: %w", rec.ID, err))
				continue
			}
		}
		_, env, err := jobs.Encode(jobs.ScheduledRun{ScheduleID: rec.ID, TemplateID: rec.TemplateID, ProjectID: tpl.ProjectID})
		if err != nil {
			return enqueued, err
		}
		id, err := s.q.Enqueue(ctx, env)
		if err != nil {
			s.stats.Errors++
			s.reportEnqueueError(rec.ID, err)
			errs = append(errs, fmt.Errorf("schedule %s: %w", rec.ID, err))
			continue
		}
		enqueued++
		s.stats.Enqueued++
		s.log.Debug("scheduled run enqueued", logx.String("schedule_id", rec.ID), logx.String("job", id))
	}
	if enqueued > 0 {
		s.log.Info("due schedules enqueued", logx.Int("count", enqueued), logx.Int("due", len(due)))
	}
	return enqueued, errors.Join(errs...)
}

// pendingSchedules returns the schedule ids that have a queued or active job.
func (s *Service) pendingSchedules(ctx context.Context) (map[string]bool, error) {
	recs, err := s.src.ListUnfinishedJobs(ctx, jobs.QueueScheduledRun)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	out := make(map[string]bool, len(recs))
	for _, r := range recs {
		var p struct {
			ScheduleID string `json:"scheduleId"`
		}
		if json.Unmarshal(r.Payload, &p) == nil && p.ScheduleID != "" {
			out[p.ScheduleID] = true
		}
	}
	return out, nil
}

func (s *Service) Stats() Stats {
	s.scanMu.Lock()
	st := s.stats
	s.scanMu.Unlock()

	s.mu.Lock()
	if s.c != nil {
		st.NextScan = s.c.Entry(s.entry).Next
	}
	s.mu.Unlock()
	return st
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(scheduleID string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[scheduleID]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[scheduleID] = now
	s.enqMu.Unlock()

	s.log.Warn("failed to enqueue scheduled run", logx.String("schedule_id", scheduleID), logx.Err(err))
}
