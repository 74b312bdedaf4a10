// Package memstore is an in-memory store.Store.
//
// Transactions work on a private copy of the data and swap it in on commit,
// so a failing transaction leaves no trace. Writers are serialized.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"testjobs/internal/store"
)

type Store struct {
	mu     sync.Mutex
	d      *data
	closed bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{d: newData()}
}

type data struct {
	runs      map[string]store.TestRun
	plans     map[string]store.TestPlan
	cases     map[string]store.TestCase
	results   map[string]store.TestRunResult
	templates map[string]store.ScheduleTemplate
	scheduled map[string]store.ScheduledRun
	jobs      map[string]store.JobRecord
}

func newData() *data {
	return &data{
		runs:      map[string]store.TestRun{},
		plans:     map[string]store.TestPlan{},
		cases:     map[string]store.TestCase{},
		results:   map[string]store.TestRunResult{},
		templates: map[string]store.ScheduleTemplate{},
		scheduled: map[string]store.ScheduledRun{},
		jobs:      map[string]store.JobRecord{},
	}
}

// clone copies the maps; values are treated as immutable once stored.
func (d *data) clone() *data {
	c := newData()
	for k, v := range d.runs {
		c.runs[k] = v
	}
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.cases {
		c.cases[k] = v
	}
	for k, v := range d.results {
		c.results[k] = v
	}
	for k, v := range d.templates {
		c.templates[k] = v
	}
	for k, v := range d.scheduled {
		c.scheduled[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	return c
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.d.clone()
	if err := fn(&repo{d: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.d = work
	return nil
}

// view runs fn directly against the committed data; used for single calls.
func (s *Store) view(fn func(r *repo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return fn(&repo{d: s.d})
}

// ---- store.Repository on the committed data ----

func (s *Store) GetTestRun(ctx context.Context, id string) (out store.TestRun, err error) {
	err = s.view(func(r *repo) error { out, err = r.GetTestRun(ctx, id); return err })
	return
}

func (s *Store) CreateTestRun(ctx context.Context, run store.TestRun) error {
	return s.view(func(r *repo) error { return r.CreateTestRun(ctx, run) })
}

func (s *Store) GetTestPlan(ctx context.Context, id string) (out store.TestPlan, err error) {
	err = s.view(func(r *repo) error { out, err = r.GetTestPlan(ctx, id); return err })
	return
}

func (s *Store) CreateTestPlan(ctx context.Context, plan store.TestPlan) error {
	return s.view(func(r *repo) error { return r.CreateTestPlan(ctx, plan) })
}

func (s *Store) CreateTestCase(ctx context.Context, tc store.TestCase) error {
	return s.view(func(r *repo) error { return r.CreateTestCase(ctx, tc) })
}

func (s *Store) ListPlanCases(ctx context.Context, planID string) (out []store.TestCase, err error) {
	err = s.view(func(r *repo) error { out, err = r.ListPlanCases(ctx, planID); return err })
	return
}

func (s *Store) ListResults(ctx context.Context, runID string, caseIDs []string) (out []store.TestRunResult, err error) {
	err = s.view(func(r *repo) error { out, err = r.ListResults(ctx, runID, caseIDs); return err })
	return
}

func (s *Store) ListResultRows(ctx context.Context, runID string) (out []store.ResultRow, err error) {
	err = s.view(func(r *repo) error { out, err = r.ListResultRows(ctx, runID); return err })
	return
}

// CreateResults is all-or-nothing even outside WithTx.
func (s *Store) CreateResults(ctx context.Context, results []store.TestRunResult) error {
	return s.WithTx(ctx, func(tx store.Repository) error { return tx.CreateResults(ctx, results) })
}

func (s *Store) UpdateResult(ctx context.Context, res store.TestRunResult) error {
	return s.view(func(r *repo) error { return r.UpdateResult(ctx, res) })
}

func (s *Store) DeleteResults(ctx context.Context, runID string, ids []string) (n int, err error) {
	err = s.view(func(r *repo) error { n, err = r.DeleteResults(ctx, runID, ids); return err })
	return
}

func (s *Store) GetTemplate(ctx context.Context, id string) (out store.ScheduleTemplate, err error) {
	err = s.view(func(r *repo) error { out, err = r.GetTemplate(ctx, id); return err })
	return
}

func (s *Store) CreateTemplate(ctx context.Context, t store.ScheduleTemplate) error {
	return s.view(func(r *repo) error { return r.CreateTemplate(ctx, t) })
}

func (s *Store) GetScheduledRun(ctx context.Context, id string) (out store.ScheduledRun, err error) {
	err = s.view(func(r *repo) error { out, err = r.GetScheduledRun(ctx, id); return err })
	return
}

func (s *Store) CreateScheduledRun(ctx context.Context, sr store.ScheduledRun) error {
	return s.view(func(r *repo) error { return r.CreateScheduledRun(ctx, sr) })
}

func (s *Store) UpdateScheduledRun(ctx context.Context, sr store.ScheduledRun) error {
	return s.view(func(r *repo) error { return r.UpdateScheduledRun(ctx, sr) })
}

func (s *Store) ListDueScheduledRuns(ctx context.Context, now time.Time, limit int) (out []store.ScheduledRun, err error) {
	err = s.view(func(r *repo) error { out, err = r.ListDueScheduledRuns(ctx, now, limit); return err })
	return
}

// ---- repo: the transaction-scoped implementation ----

type repo struct{ d *data }

func (r *repo) GetTestRun(_ context.Context, id string) (store.TestRun, error) {
	run, ok := r.d.runs[id]
	if !ok {
		return store.TestRun{}, fmt.Errorf("test run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

func (r *repo) CreateTestRun(_ context.Context, run store.TestRun) error {
	if _, ok := r.d.runs[run.ID]; ok {
		return fmt.Errorf("test run %s: %w", run.ID, store.ErrConflict)
	}
	r.d.runs[run.ID] = run
	return nil
}

func (r *repo) GetTestPlan(_ context.Context, id string) (store.TestPlan, error) {
	p, ok := r.d.plans[id]
	if !ok {
		return store.TestPlan{}, fmt.Errorf("test plan %s: %w", id, store.ErrNotFound)
	}
	p.CaseIDs = append([]string(nil), p.CaseIDs...)
	return p, nil
}

func (r *repo) CreateTestPlan(_ context.Context, plan store.TestPlan) error {
	if _, ok := r.d.plans[plan.ID]; ok {
		return fmt.Errorf("test plan %s: %w", plan.ID, store.ErrConflict)
	}
	plan.CaseIDs = append([]string(nil), plan.CaseIDs...)
	r.d.plans[plan.ID] = plan
	return nil
}

func (r *repo) CreateTestCase(_ context.Context, tc store.TestCase) error {
	if _, ok := r.d.cases[tc.ID]; ok {
		return fmt.Errorf("test case %s: %w", tc.ID, store.ErrConflict)
	}
	r.d.cases[tc.ID] = tc
	return nil
}

func (r *repo) ListPlanCases(_ context.Context, planID string) ([]store.TestCase, error) {
	p, ok := r.d.plans[planID]
	if !ok {
		return nil, nil
	}
	out := make([]store.TestCase, 0, len(p.CaseIDs))
	seen := map[string]bool{}
	for _, id := range p.CaseIDs {
		tc, ok := r.d.cases[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, tc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) ListResults(_ context.Context, runID string, caseIDs []string) ([]store.TestRunResult, error) {
	var want map[string]bool
	if caseIDs != nil {
		want = make(map[string]bool, len(caseIDs))
		for _, id := range caseIDs {
			want[id] = true
		}
	}
	var out []store.TestRunResult
	for _, res := range r.d.results {
		if res.TestRunID != runID {
			continue
		}
		if want != nil && !want[res.TestCaseID] {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCaseID < out[j].TestCaseID })
	return out, nil
}

func (r *repo) ListResultRows(ctx context.Context, runID string) ([]store.ResultRow, error) {
	results, _ := r.ListResults(ctx, runID, nil)
	out := make([]store.ResultRow, 0, len(results))
	for _, res := range results {
		out = append(out, store.ResultRow{TestRunResult: res, CaseTitle: r.d.cases[res.TestCaseID].Title})
	}
	return out, nil
}

func (r *repo) CreateResults(_ context.Context, results []store.TestRunResult) error {
	pairs := map[string]bool{}
	for _, res := range r.d.results {
		pairs[res.TestRunID+"\x00"+res.TestCaseID] = true
	}
	ids := make(map[string]bool, len(results))
	for _, res := range results {
		key := res.TestRunID + "\x00" + res.TestCaseID
		if _, ok := r.d.results[res.ID]; ok || ids[res.ID] || pairs[key] {
			return fmt.Errorf("result for run %s case %s: %w", res.TestRunID, res.TestCaseID, store.ErrConflict)
		}
		ids[res.ID] = true
		pairs[key] = true
	}
	for _, res := range results {
		r.d.results[res.ID] = res
	}
	return nil
}

func (r *repo) UpdateResult(_ context.Context, res store.TestRunResult) error {
	if _, ok := r.d.results[res.ID]; !ok {
		return fmt.Errorf("result %s: %w", res.ID, store.ErrNotFound)
	}
	r.d.results[res.ID] = res
	return nil
}

func (r *repo) DeleteResults(_ context.Context, runID string, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		res, ok := r.d.results[id]
		if !ok || res.TestRunID != runID {
			continue
		}
		delete(r.d.results, id)
		n++
	}
	return n, nil
}

func (r *repo) GetTemplate(_ context.Context, id string) (store.ScheduleTemplate, error) {
	t, ok := r.d.templates[id]
	if !ok {
		return store.ScheduleTemplate{}, fmt.Errorf("schedule template %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (r *repo) CreateTemplate(_ context.Context, t store.ScheduleTemplate) error {
	if _, ok := r.d.templates[t.ID]; ok {
		return fmt.Errorf("schedule template %s: %w", t.ID, store.ErrConflict)
	}
	r.d.templates[t.ID] = t
	return nil
}

func (r *repo) GetScheduledRun(_ context.Context, id string) (store.ScheduledRun, error) {
	sr, ok := r.d.scheduled[id]
	if !ok {
		return store.ScheduledRun{}, fmt.Errorf("scheduled run %s: %w", id, store.ErrNotFound)
	}
	return sr, nil
}

func (r *repo) CreateScheduledRun(_ context.Context, sr store.ScheduledRun) error {
	if _, ok := r.d.scheduled[sr.ID]; ok {
		return fmt.Errorf("scheduled run %s: %w", sr.ID, store.ErrConflict)
	}
	r.d.scheduled[sr.ID] = sr
	return nil
}

func (r *repo) UpdateScheduledRun(_ context.Context, sr store.ScheduledRun) error {
	if _, ok := r.d.scheduled[sr.ID]; !ok {
		return fmt.Errorf("scheduled run %s: %w", sr.ID, store.ErrNotFound)
	}
	r.d.scheduled[sr.ID] = sr
	return nil
}

func (r *repo) ListDueScheduledRuns(_ context.Context, now time.Time, limit int) ([]store.ScheduledRun, error) {
	var out []store.ScheduledRun
	for _, sr := range r.d.scheduled {
		if sr.NextRunAt != nil && !sr.NextRunAt.After(now) {
			out = append(out, sr)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunAt.Equal(*out[j].NextRunAt) {
			return out[i].NextRunAt.Before(*out[j].NextRunAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
