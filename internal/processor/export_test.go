package processor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testjobs/internal/jobs"
	"testjobs/internal/store"
)

const wantHeader = `"Test Case ID","Title","Status","Execution Time","Executed At","Executed By"`

func TestExportCSVWithoutResultsWritesHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateTestRun(ctx, store.TestRun{ID: "empty", Title: "Empty", Status: store.RunPending}))

	res, err := f.p.Export(ctx, jobs.Export{Format: "csv", TestRunID: "empty"})
	require.NoError(t, err)
	require.NotNil(t, res.File)
	assert.Equal(t, "test-run-empty-"+strconv.FormatInt(t0.UnixMilli(), 10)+".csv", res.File.Name)

	body, err := os.ReadFile(res.File.Path)
	require.NoError(t, err)
	assert.Equal(t, wantHeader+"\n", string(body))
	assert.Equal(t, len(body), res.File.Bytes)
}

func TestExportCSVRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "run1", 2)
	_, err := f.p.BulkStatusUpdate(ctx, jobs.BulkStatusUpdate{
		TestRunID: "run1", TestCaseIDs: []string{"run1-case-01"}, Status: store.ResultInProgress, ActorID: ptr(`o"neil`),
	})
	require.NoError(t, err)
	f.advance(3 * time.Second)
	_, err = f.p.BulkStatusUpdate(ctx, jobs.BulkStatusUpdate{
		TestRunID: "run1", TestCaseIDs: []string{"run1-case-01"}, Status: store.ResultFailed, ActorID: ptr(`o"neil`),
	})
	require.NoError(t, err)

	res, err := f.p.Export(ctx, jobs.Export{Format: "CSV", TestRunID: "run1"})
	require.NoError(t, err)
	body, err := os.ReadFile(res.File.Path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, wantHeader, lines[0])
	assert.Equal(t, `"run1-case-01","Case 1","failed","3","2024-01-01T10:00:00Z","o""neil"`, lines[1])
	assert.Equal(t, `"run1-case-02","Case 2","toDo","","",""`, lines[2])
}

func TestExportJira(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "run1", 2)
	secs := int64(42)
	require.NoError(t, f.st.UpdateResult(ctx, store.TestRunResult{
		ID: "res-run1-case-02", TestRunID: "run1", TestCaseID: "run1-case-02",
		Status: store.ResultPassed, ExecutionTime: &secs,
	}))

	res, err := f.p.Export(ctx, jobs.Export{Format: "jira", TestRunID: "run1"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.File.Name, ".txt"))
	body, err := os.ReadFile(res.File.Path)
	require.NoError(t, err)

	want := "h1. Nightly\n" +
		"*Test Plan:* Regression\n" +
		"*Status:* running\n" +
		"\n" +
		"* Case 1 [toDo]\n" +
		"* Case 2 [passed]\n" +
		"  Execution time: 42s\n"
	assert.Equal(t, want, string(body))
}

func TestExportPDFIsPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "run1", 1)

	res, err := f.p.Export(context.Background(), jobs.Export{Format: "pdf", TestRunID: "run1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.Nil(t, res.File)
}

func TestExportErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "run1", 1)
	ctx := context.Background()

	_, err := f.p.Export(ctx, jobs.Export{Format: "xml", TestRunID: "run1"})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = f.p.Export(ctx, jobs.Export{Format: "csv", TestRunID: "missing"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "test run", nf.Kind)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRenderIsDeterministic(t *testing.T) {
	t.Parallel()
	snap := Snapshot{
		Run:       store.TestRun{Title: "T", Status: store.RunCompleted},
		PlanTitle: "P",
		Rows: []store.ResultRow{
			{TestRunResult: store.TestRunResult{TestCaseID: "c1", Status: store.ResultSkipped}, CaseTitle: `a, "b"`},
		},
	}
	for _, format := range []string{FormatCSV, FormatJira} {
		a, err := Render(format, snap)
		require.NoError(t, err)
		b, err := Render(format, snap)
		require.NoError(t, err)
		assert.Equal(t, a, b, format)
	}
	csv, _ := Render(FormatCSV, snap)
	assert.Contains(t, string(csv), `"a, ""b"""`)
}

func TestExportArtifactNameIsSanitized(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.CreateTestRun(context.Background(), store.TestRun{ID: "../x"}))

	res, err := f.p.Export(context.Background(), jobs.Export{Format: "csv", TestRunID: "../x"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(res.File.Path), f.p.exportDir)
	assert.NotContains(t, res.File.Name, "/")
}
