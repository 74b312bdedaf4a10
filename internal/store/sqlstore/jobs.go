package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"testjobs/internal/store"
)

const jobCols = `id, queue, type, payload, state, attempts, result, error, enqueued_at, started_at, finished_at`

func scanJob(sc interface{ Scan(...any) error }) (store.JobRecord, error) {
	var (
		j                   store.JobRecord
		payload, state      string
		result              sql.NullString
		enqueuedAt          int64
		startedAt, finished sql.NullInt64
	)
	if err := sc.Scan(&j.ID, &j.Queue, &j.Type, &payload, &state, &j.Attempts, &result, &j.Error,
		&enqueuedAt, &startedAt, &finished); err != nil {
		return j, err
	}
	j.Payload = []byte(payload)
	j.State = store.JobState(state)
	if result.Valid {
		j.Result = []byte(result.String)
	}
	j.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	j.StartedAt = fromMS(startedAt)
	j.FinishedAt = fromMS(finished)
	return j, nil
}

func (s *Store) InsertJob(ctx context.Context, j store.JobRecord) error {
	if j.State == "" {
		j.State = store.JobQueued
	}
	_, err := s.exec(ctx,
		`INSERT INTO jobs(`+jobCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Queue, j.Type, string(j.Payload), string(j.State), j.Attempts, nullBytes(j.Result), j.Error,
		j.EnqueuedAt.UnixMilli(), toMS(j.StartedAt), toMS(j.FinishedAt),
	)
	return mapErr(err, "insert job "+j.ID)
}

func (s *Store) GetJob(ctx context.Context, id string) (store.JobRecord, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return store.JobRecord{}, mapErr(err, "job "+id)
	}
	return j, nil
}

func (s *Store) MarkJobActive(ctx context.Context, id string, attempts int, at time.Time) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET state = ?, attempts = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`,
		string(store.JobActive), attempts, at.UnixMilli(), id)
}

func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, at time.Time) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET state = ?, result = ?, error = '', finished_at = ? WHERE id = ?`,
		string(store.JobCompleted), nullBytes(result), at.UnixMilli(), id)
}

func (s *Store) FailJob(ctx context.Context, id string, errMsg string, at time.Time) error {
	return s.updateJob(ctx, id,
		`UPDATE jobs SET state = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(store.JobFailed), errMsg, at.UnixMilli(), id)
}

func (s *Store) updateJob(ctx context.Context, id, q string, args ...any) error {
	out, err := s.exec(ctx, q, args...)
	if err != nil {
		return mapErr(err, "update job "+id)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 && s.d != dialectMySQL {
		return fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUnfinishedJobs(ctx context.Context, queue string) ([]store.JobRecord, error) {
	rows, err := s.query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE queue = ? AND state IN (?, ?) ORDER BY enqueued_at, id`,
		queue, string(store.JobQueued), string(store.JobActive))
	if err != nil {
		return nil, mapErr(err, "list unfinished jobs")
	}
	defer rows.Close()
	var out []store.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
