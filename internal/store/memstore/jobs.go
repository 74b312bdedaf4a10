package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"testjobs/internal/store"
)

func (s *Store) InsertJob(_ context.Context, j store.JobRecord) error {
	return s.view(func(r *repo) error {
		if _, ok := r.d.jobs[j.ID]; ok {
			return fmt.Errorf("job %s: %w", j.ID, store.ErrConflict)
		}
		if j.State == "" {
			j.State = store.JobQueued
		}
		r.d.jobs[j.ID] = j
		return nil
	})
}

func (s *Store) GetJob(_ context.Context, id string) (out store.JobRecord, err error) {
	err = s.view(func(r *repo) error {
		j, ok := r.d.jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		out = j
		return nil
	})
	return
}

func (s *Store) updateJob(id string, fn func(j *store.JobRecord)) error {
	return s.view(func(r *repo) error {
		j, ok := r.d.jobs[id]
		if !ok {
			return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
		}
		fn(&j)
		r.d.jobs[id] = j
		return nil
	})
}

func (s *Store) MarkJobActive(_ context.Context, id string, attempts int, at time.Time) error {
	return s.updateJob(id, func(j *store.JobRecord) {
		j.State = store.JobActive
		j.Attempts = attempts
		if j.StartedAt == nil {
			t := at
			j.StartedAt = &t
		}
	})
}

func (s *Store) CompleteJob(_ context.Context, id string, result []byte, at time.Time) error {
	return s.updateJob(id, func(j *store.JobRecord) {
		j.State = store.JobCompleted
		j.Result = append([]byte(nil), result...)
		j.Error = ""
		t := at
		j.FinishedAt = &t
	})
}

func (s *Store) FailJob(_ context.Context, id string, errMsg string, at time.Time) error {
	return s.updateJob(id, func(j *store.JobRecord) {
		j.State = store.JobFailed
		j.Error = errMsg
		t := at
		j.FinishedAt = &t
	})
}

func (s *Store) ListUnfinishedJobs(_ context.Context, queue string) (out []store.JobRecord, err error) {
	err = s.view(func(r *repo) error {
		for _, j := range r.d.jobs {
			if j.Queue == queue && !j.State.Finished() {
				out = append(out, j)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return
}
