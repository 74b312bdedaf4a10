package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testjobs/internal/store"
)

func seedRun(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateTestCase(ctx, store.TestCase{ID: "c1", RepositoryID: "repo", Title: "Login"}))
	require.NoError(t, s.CreateTestCase(ctx, store.TestCase{ID: "c2", RepositoryID: "repo", Title: "Logout"}))
	require.NoError(t, s.CreateTestRun(ctx, store.TestRun{ID: "run1", Title: "Run", Status: store.RunPending}))
	require.NoError(t, s.CreateResults(ctx, []store.TestRunResult{
		{ID: "r1", TestRunID: "run1", TestCaseID: "c1", Status: store.ResultToDo},
		{ID: "r2", TestRunID: "run1", TestCaseID: "c2", Status: store.ResultToDo},
	}))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	seedRun(t, s)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Repository) error {
		r, err := tx.ListResults(ctx, "run1", []string{"c1"})
		require.NoError(t, err)
		r[0].Status = store.ResultPassed
		require.NoError(t, tx.UpdateResult(ctx, r[0]))
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.ListResults(ctx, "run1", []string{"c1"})
	require.NoError(t, err)
	assert.Equal(t, store.ResultToDo, got[0].Status)
}

func TestCreateResultsRejectsDuplicatePair(t *testing.T) {
	s := New()
	seedRun(t, s)
	err := s.CreateResults(context.Background(), []store.TestRunResult{
		{ID: "r3", TestRunID: "run1", TestCaseID: "c3"},
		{ID: "r4", TestRunID: "run1", TestCaseID: "c1"},
	})
	require.ErrorIs(t, err, store.ErrConflict)

	all, _ := s.ListResults(context.Background(), "run1", nil)
	assert.Len(t, all, 2, "partial insert must not be visible")
}

func TestDeleteResultsScopedToRun(t *testing.T) {
	s := New()
	seedRun(t, s)
	ctx := context.Background()
	require.NoError(t, s.CreateTestRun(ctx, store.TestRun{ID: "run2"}))
	require.NoError(t, s.CreateResults(ctx, []store.TestRunResult{{ID: "x1", TestRunID: "run2", TestCaseID: "c1"}}))

	n, err := s.DeleteResults(ctx, "run1", []string{"r1", "x1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	other, _ := s.ListResults(ctx, "run2", nil)
	assert.Len(t, other, 1)
}

func TestListDueScheduledRuns(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	later := now.Add(time.Hour)
	require.NoError(t, s.CreateScheduledRun(ctx, store.ScheduledRun{ID: "a", NextRunAt: &past}))
	require.NoError(t, s.CreateScheduledRun(ctx, store.ScheduledRun{ID: "b", NextRunAt: &now}))
	require.NoError(t, s.CreateScheduledRun(ctx, store.ScheduledRun{ID: "c", NextRunAt: &later}))
	require.NoError(t, s.CreateScheduledRun(ctx, store.ScheduledRun{ID: "d"}))

	due, err := s.ListDueScheduledRuns(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].ID)
	assert.Equal(t, "b", due[1].ID)
}

func TestJobLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	t0 := time.Now()
	require.NoError(t, s.InsertJob(ctx, store.JobRecord{ID: "j1", Queue: "q", Type: "t", EnqueuedAt: t0}))
	require.NoError(t, s.InsertJob(ctx, store.JobRecord{ID: "j2", Queue: "q", Type: "t", EnqueuedAt: t0.Add(time.Second)}))

	require.NoError(t, s.MarkJobActive(ctx, "j1", 1, t0))
	require.NoError(t, s.CompleteJob(ctx, "j1", []byte(`{"success":true}`), t0))

	j, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, j.State)
	assert.JSONEq(t, `{"success":true}`, string(j.Result))

	open, err := s.ListUnfinishedJobs(ctx, "q")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "j2", open[0].ID)

	_, err = s.GetJob(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClosedStore(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.GetTestRun(context.Background(), "x")
	assert.ErrorIs(t, err, store.ErrClosed)
}
