package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testjobs/internal/store"
)

func TestApplyTransition(t *testing.T) {
	t.Parallel()

	started := t0.Add(-90*time.Second - 400*time.Millisecond)

	tests := []struct {
		name   string
		before store.TestRunResult
		target store.ResultStatus
		actor  *string
		check  func(t *testing.T, r store.TestRunResult)
	}{
		{
			name:   "in progress stamps executedAt",
			before: store.TestRunResult{Status: store.ResultToDo},
			target: store.ResultInProgress,
			actor:  ptr("alice"),
			check: func(t *testing.T, r store.TestRunResult) {
				require.NotNil(t, r.ExecutedAt)
				assert.True(t, r.ExecutedAt.Equal(t0))
				assert.Equal(t, "alice", *r.ExecutedBy)
				assert.Nil(t, r.CompletedAt)
			},
		},
		{
			name:   "in progress keeps first executedAt",
			before: store.TestRunResult{Status: store.ResultBlocked, ExecutedAt: &started},
			target: store.ResultInProgress,
			check: func(t *testing.T, r store.TestRunResult) {
				assert.True(t, r.ExecutedAt.Equal(started))
				assert.Nil(t, r.ExecutedBy)
			},
		},
		{
			name:   "passed floors elapsed seconds",
			before: store.TestRunResult{Status: store.ResultInProgress, ExecutedAt: &started},
			target: store.ResultPassed,
			check: func(t *testing.T, r store.TestRunResult) {
				require.NotNil(t, r.CompletedAt)
				assert.True(t, r.CompletedAt.Equal(t0))
				require.NotNil(t, r.ExecutionTime)
				assert.Equal(t, int64(90), *r.ExecutionTime)
			},
		},
		{
			name:   "failed without executedAt leaves executionTime unset",
			before: store.TestRunResult{Status: store.ResultToDo},
			target: store.ResultFailed,
			check: func(t *testing.T, r store.TestRunResult) {
				require.NotNil(t, r.CompletedAt)
				assert.Nil(t, r.ExecutionTime)
				assert.Nil(t, r.ExecutedAt)
			},
		},
		{
			name:   "blocked with clock skew clamps to zero",
			before: store.TestRunResult{ExecutedAt: ptr(t0.Add(time.Minute))},
			target: store.ResultBlocked,
			check: func(t *testing.T, r store.TestRunResult) {
				assert.Equal(t, int64(0), *r.ExecutionTime)
			},
		},
		{
			name: "skipped clears timing",
			before: store.TestRunResult{
				Status: store.ResultPassed, ExecutedAt: &started, CompletedAt: ptr(t0), ExecutionTime: ptr(int64(12)),
			},
			target: store.ResultSkipped,
			actor:  ptr(""),
			check: func(t *testing.T, r store.TestRunResult) {
				assert.Nil(t, r.CompletedAt)
				assert.Nil(t, r.ExecutionTime)
				assert.NotNil(t, r.ExecutedAt)
				assert.Nil(t, r.ExecutedBy)
			},
		},
		{
			name:   "toDo keeps timing fields",
			before: store.TestRunResult{Status: store.ResultPassed, CompletedAt: ptr(t0), ExecutionTime: ptr(int64(3))},
			target: store.ResultToDo,
			check: func(t *testing.T, r store.TestRunResult) {
				assert.Equal(t, store.ResultToDo, r.Status)
				assert.Equal(t, int64(3), *r.ExecutionTime)
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := tt.before
			ApplyTransition(&r, tt.target, tt.actor, t0)
			assert.Equal(t, tt.target, r.Status)
			tt.check(t, r)
		})
	}
}
