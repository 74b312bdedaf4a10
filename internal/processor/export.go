package processor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"testjobs/internal/jobs"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

const (
	FormatCSV  = "csv"
	FormatJira = "jira"
	FormatPDF  = "pdf"
)

var csvHeader = []string{"Test Case ID", "Title", "Status", "Execution Time", "Executed At", "Executed By"}

// Artifact describes a written export file.
type Artifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
}

// ExportResult is returned for every accepted format. Pending is set when the
// format is recognised but has no renderer yet; File is nil in that case.
type ExportResult struct {
	Success bool      `json:"success"`
	Format  string    `json:"format"`
	Pending bool      `json:"pending,omitempty"`
	Message string    `json:"message,omitempty"`
	File    *Artifact `json:"file,omitempty"`
}

// Snapshot is everything an export renders.
type Snapshot struct {
	Run       store.TestRun
	PlanTitle string
	Rows      []store.ResultRow
}

// Export renders the run in the requested format and writes it under the
// export directory.
func (p *Processor) Export(ctx context.Context, job jobs.Export) (ExportResult, error) {
	format := strings.ToLower(strings.TrimSpace(job.Format))
	switch format {
	case FormatCSV, FormatJira, FormatPDF:
	default:
		return ExportResult{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, job.Format)
	}

	snap, err := p.loadSnapshot(ctx, job.TestRunID)
	if err != nil {
		return ExportResult{}, err
	}

	if format == FormatPDF {
		return ExportResult{
			Success: true,
			Format:  format,
			Pending: true,
			Message: "PDF export is not available yet",
		}, nil
	}

	body, err := Render(format, snap)
	if err != nil {
		return ExportResult{}, err
	}
	art, err := p.writeArtifact(job.TestRunID, format, body)
	if err != nil {
		return ExportResult{}, err
	}

	p.log.Info("export written",
		logx.String("test_run_id", job.TestRunID),
		logx.String("format", format),
		logx.String("path", art.Path),
		logx.Int("rows", len(snap.Rows)),
	)
	return ExportResult{Success: true, Format: format, File: &art}, nil
}

func (p *Processor) loadSnapshot(ctx context.Context, runID string) (Snapshot, error) {
	run, err := p.store.GetTestRun(ctx, runID)
	if err != nil {
		return Snapshot{}, notFound("test run", runID, err)
	}
	snap := Snapshot{Run: run}
	if run.TestPlanID != "" {
		plan, err := p.store.GetTestPlan(ctx, run.TestPlanID)
		switch {
		case err == nil:
			snap.PlanTitle = plan.Title
		case !isNotFound(err):
			return Snapshot{}, fmt.Errorf("load test plan %s: %w", run.TestPlanID, err)
		}
	}
	rows, err := p.store.ListResultRows(ctx, runID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load results of %s: %w", runID, err)
	}
	snap.Rows = rows
	return snap, nil
}

// Render produces the export body. Output depends only on the snapshot.
func Render(format string, snap Snapshot) ([]byte, error) {
	switch format {
	case FormatCSV:
		return renderCSV(snap.Rows), nil
	case FormatJira:
		return renderJira(snap), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

func renderCSV(rows []store.ResultRow) []byte {
	var b bytes.Buffer
	writeCSVLine(&b, csvHeader)
	for _, r := range rows {
		writeCSVLine(&b, []string{
			r.TestCaseID,
			r.CaseTitle,
			string(r.Status),
			fmtSeconds(r.ExecutionTime),
			fmtTime(r.ExecutedAt),
			fmtString(r.ExecutedBy),
		})
	}
	return b.Bytes()
}

// writeCSVLine quotes every field, doubling embedded quotes.
func writeCSVLine(b *bytes.Buffer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	b.WriteByte('\n')
}

func renderJira(snap Snapshot) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "h1. %s\n", snap.Run.Title)
	fmt.Fprintf(&b, "*Test Plan:* %s\n", snap.PlanTitle)
	fmt.Fprintf(&b, "*Status:* %s\n", snap.Run.Status)
	b.WriteByte('\n')
	for _, r := range snap.Rows {
		fmt.Fprintf(&b, "* %s [%s]\n", r.CaseTitle, r.Status)
		if r.ExecutionTime != nil {
			fmt.Fprintf(&b, "  Execution time: %ss\n", fmtSeconds(r.ExecutionTime))
		}
	}
	return b.Bytes()
}

func (p *Processor) writeArtifact(runID, format string, body []byte) (Artifact, error) {
	ext := format
	if format == FormatJira {
		ext = "txt"
	}
	name := fmt.Sprintf("test-run-%s-%d.%s", safeName(runID), p.now().UnixMilli(), ext)
	if err := os.MkdirAll(p.exportDir, 0o755); err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(p.exportDir, name)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return Artifact{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Artifact{}, err
	}
	return Artifact{Name: name, Path: path, Format: format, Bytes: len(body)}, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

func fmtSeconds(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func fmtString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
