package processor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"testjobs/internal/store"
	"testjobs/internal/store/memstore"
)

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	st    *memstore.Store
	p     *Processor
	clock *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := memstore.New()
	clock := t0
	var seq atomic.Int64
	base := []Option{
		WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }),
		WithExportDir(t.TempDir()),
	}
	p := New(st, append(base, opts...)...)
	return &fixture{st: st, p: p, clock: &clock}
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

// seed creates a plan with n cases and a run holding one toDo result per case.
func (f *fixture) seed(t *testing.T, runID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	caseIDs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("%s-case-%02d", runID, i)
		require.NoError(t, f.st.CreateTestCase(ctx, store.TestCase{ID: id, Title: fmt.Sprintf("Case %d", i)}))
		caseIDs = append(caseIDs, id)
	}
	planID := runID + "-plan"
	require.NoError(t, f.st.CreateTestPlan(ctx, store.TestPlan{ID: planID, Title: "Regression", CaseIDs: caseIDs}))
	require.NoError(t, f.st.CreateTestRun(ctx, store.TestRun{
		ID: runID, TestPlanID: planID, Title: "Nightly", Status: store.RunRunning, ExecutionDate: t0, CreatedAt: t0,
	}))
	results := make([]store.TestRunResult, 0, n)
	for _, cid := range caseIDs {
		results = append(results, store.TestRunResult{ID: "res-" + cid, TestRunID: runID, TestCaseID: cid, Status: store.ResultToDo})
	}
	require.NoError(t, f.st.CreateResults(ctx, results))
	return caseIDs
}

func ptr[T any](v T) *T { return &v }
