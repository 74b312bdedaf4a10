package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"testjobs/internal/store"
)

// inChunk bounds the number of placeholders in one IN list.
const inChunk = 500

type repo struct {
	q querier
	d dialect
}

func (r *repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.d.rebind(query), args...)
}

func (r *repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.q.QueryContext(ctx, r.d.rebind(query), args...)
}

func (r *repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.q.QueryRowContext(ctx, r.d.rebind(query), args...)
}

func (r *repo) GetTestRun(ctx context.Context, id string) (store.TestRun, error) {
	var (
		run                  store.TestRun
		status               string
		execDate, createdAt  int64
		startedAt, completed sql.NullInt64
	)
	err := r.queryRow(ctx,
		`SELECT id, test_plan_id, repository_id, project_id, title, status, environment, build_version,
		        execution_date, started_at, completed_at, created_at
		   FROM test_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.TestPlanID, &run.RepositoryID, &run.ProjectID, &run.Title, &status,
		&run.Environment, &run.BuildVersion, &execDate, &startedAt, &completed, &createdAt)
	if err != nil {
		return store.TestRun{}, mapErr(err, "test run "+id)
	}
	run.Status = store.RunStatus(status)
	run.ExecutionDate = time.UnixMilli(execDate).UTC()
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	run.StartedAt = fromMS(startedAt)
	run.CompletedAt = fromMS(completed)
	return run, nil
}

func (r *repo) CreateTestRun(ctx context.Context, run store.TestRun) error {
	_, err := r.exec(ctx,
		`INSERT INTO test_runs(id, test_plan_id, repository_id, project_id, title, status, environment, build_version,
		                       execution_date, started_at, completed_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.TestPlanID, run.RepositoryID, run.ProjectID, run.Title, string(run.Status),
		run.Environment, run.BuildVersion, run.ExecutionDate.UnixMilli(), toMS(run.StartedAt),
		toMS(run.CompletedAt), run.CreatedAt.UnixMilli(),
	)
	return mapErr(err, "create test run "+run.ID)
}

func (r *repo) GetTestPlan(ctx context.Context, id string) (store.TestPlan, error) {
	var p store.TestPlan
	err := r.queryRow(ctx, `SELECT id, repository_id, project_id, title FROM test_plans WHERE id = ?`, id).
		Scan(&p.ID, &p.RepositoryID, &p.ProjectID, &p.Title)
	if err != nil {
		return store.TestPlan{}, mapErr(err, "test plan "+id)
	}
	rows, err := r.query(ctx, `SELECT case_id FROM plan_cases WHERE plan_id = ? ORDER BY case_id`, id)
	if err != nil {
		return store.TestPlan{}, mapErr(err, "plan cases "+id)
	}
	defer rows.Close()
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return store.TestPlan{}, err
		}
		p.CaseIDs = append(p.CaseIDs, cid)
	}
	return p, rows.Err()
}

func (r *repo) CreateTestPlan(ctx context.Context, plan store.TestPlan) error {
	if _, err := r.exec(ctx,
		`INSERT INTO test_plans(id, repository_id, project_id, title) VALUES(?,?,?,?)`,
		plan.ID, plan.RepositoryID, plan.ProjectID, plan.Title,
	); err != nil {
		return mapErr(err, "create test plan "+plan.ID)
	}
	for _, cid := range plan.CaseIDs {
		if _, err := r.exec(ctx, `INSERT INTO plan_cases(plan_id, case_id) VALUES(?,?)`, plan.ID, cid); err != nil {
			return mapErr(err, "add plan case "+cid)
		}
	}
	return nil
}

func (r *repo) CreateTestCase(ctx context.Context, tc store.TestCase) error {
	_, err := r.exec(ctx, `INSERT INTO test_cases(id, repository_id, title) VALUES(?,?,?)`,
		tc.ID, tc.RepositoryID, tc.Title)
	return mapErr(err, "create test case "+tc.ID)
}

func (r *repo) ListPlanCases(ctx context.Context, planID string) ([]store.TestCase, error) {
	rows, err := r.query(ctx,
		`SELECT c.id, c.repository_id, c.title
		   FROM plan_cases pc JOIN test_cases c ON c.id = pc.case_id
		  WHERE pc.plan_id = ?
		  ORDER BY c.id`, planID)
	if err != nil {
		return nil, mapErr(err, "list plan cases "+planID)
	}
	defer rows.Close()
	var out []store.TestCase
	for rows.Next() {
		var tc store.TestCase
		if err := rows.Scan(&tc.ID, &tc.RepositoryID, &tc.Title); err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

const resultCols = `r.id, r.test_run_id, r.test_case_id, r.status, r.executed_at, r.completed_at, r.execution_time, r.executed_by`

func scanResult(sc interface{ Scan(...any) error }, extra ...any) (store.TestRunResult, error) {
	var (
		res                   store.TestRunResult
		status                string
		executedAt, completed sql.NullInt64
		execTime              sql.NullInt64
		executedBy            sql.NullString
	)
	dest := append([]any{&res.ID, &res.TestRunID, &res.TestCaseID, &status, &executedAt, &completed, &execTime, &executedBy}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return res, err
	}
	res.Status = store.ResultStatus(status)
	res.ExecutedAt = fromMS(executedAt)
	res.CompletedAt = fromMS(completed)
	if execTime.Valid {
		v := execTime.Int64
		res.ExecutionTime = &v
	}
	if executedBy.Valid {
		v := executedBy.String
		res.ExecutedBy = &v
	}
	return res, nil
}

func (r *repo) ListResults(ctx context.Context, runID string, caseIDs []string) ([]store.TestRunResult, error) {
	if caseIDs == nil {
		return r.listResults(ctx, `SELECT `+resultCols+` FROM test_run_results r WHERE r.test_run_id = ? ORDER BY r.test_case_id`, runID)
	}
	var out []store.TestRunResult
	for start := 0; start < len(caseIDs); start += inChunk {
		end := min(start+inChunk, len(caseIDs))
		chunk := caseIDs[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, runID)
		for _, id := range chunk {
			args = append(args, id)
		}
		part, err := r.listResults(ctx,
			`SELECT `+resultCols+` FROM test_run_results r
			  WHERE r.test_run_id = ? AND r.test_case_id IN (`+placeholders(len(chunk))+`)
			  ORDER BY r.test_case_id`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

func (r *repo) listResults(ctx context.Context, q string, args ...any) ([]store.TestRunResult, error) {
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list results")
	}
	defer rows.Close()
	var out []store.TestRunResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *repo) ListResultRows(ctx context.Context, runID string) ([]store.ResultRow, error) {
	rows, err := r.query(ctx,
		`SELECT `+resultCols+`, COALESCE(c.title, '')
		   FROM test_run_results r LEFT JOIN test_cases c ON c.id = r.test_case_id
		  WHERE r.test_run_id = ?
		  ORDER BY r.test_case_id`, runID)
	if err != nil {
		return nil, mapErr(err, "list result rows "+runID)
	}
	defer rows.Close()
	var out []store.ResultRow
	for rows.Next() {
		var title string
		res, err := scanResult(rows, &title)
		if err != nil {
			return nil, err
		}
		out = append(out, store.ResultRow{TestRunResult: res, CaseTitle: title})
	}
	return out, rows.Err()
}

func (r *repo) CreateResults(ctx context.Context, results []store.TestRunResult) error {
	for _, res := range results {
		_, err := r.exec(ctx,
			`INSERT INTO test_run_results(id, test_run_id, test_case_id, status, executed_at, completed_at, execution_time, executed_by)
			 VALUES(?,?,?,?,?,?,?,?)`,
			res.ID, res.TestRunID, res.TestCaseID, string(res.Status), toMS(res.ExecutedAt),
			toMS(res.CompletedAt), nullInt(res.ExecutionTime), nullStr(res.ExecutedBy),
		)
		if err != nil {
			return mapErr(err, fmt.Sprintf("create result for run %s case %s", res.TestRunID, res.TestCaseID))
		}
	}
	return nil
}

func (r *repo) UpdateResult(ctx context.Context, res store.TestRunResult) error {
	out, err := r.exec(ctx,
		`UPDATE test_run_results
		    SET status = ?, executed_at = ?, completed_at = ?, execution_time = ?, executed_by = ?
		  WHERE id = ?`,
		string(res.Status), toMS(res.ExecutedAt), toMS(res.CompletedAt), nullInt(res.ExecutionTime),
		nullStr(res.ExecutedBy), res.ID,
	)
	if err != nil {
		return mapErr(err, "update result "+res.ID)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 && r.d != dialectMySQL {
		// mysql counts changed rows, not matched ones.
		return fmt.Errorf("result %s: %w", res.ID, store.ErrNotFound)
	}
	return nil
}

func (r *repo) DeleteResults(ctx context.Context, runID string, ids []string) (int, error) {
	total := 0
	for start := 0; start < len(ids); start += inChunk {
		end := min(start+inChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, runID)
		for _, id := range chunk {
			args = append(args, id)
		}
		out, err := r.exec(ctx,
			`DELETE FROM test_run_results WHERE test_run_id = ? AND id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return total, mapErr(err, "delete results")
		}
		n, err := out.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

func (r *repo) GetTemplate(ctx context.Context, id string) (store.ScheduleTemplate, error) {
	var (
		t   store.ScheduleTemplate
		cfg string
	)
	err := r.queryRow(ctx,
		`SELECT id, project_id, repository_id, test_plan_id, title_pattern, frequency, schedule_config, environment, build_version
		   FROM schedule_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.ProjectID, &t.RepositoryID, &t.TestPlanID, &t.TitlePattern, &t.Frequency, &cfg, &t.Environment, &t.BuildVersion)
	if err != nil {
		return store.ScheduleTemplate{}, mapErr(err, "schedule template "+id)
	}
	t.ScheduleConfig = []byte(cfg)
	return t, nil
}

func (r *repo) CreateTemplate(ctx context.Context, t store.ScheduleTemplate) error {
	cfg := string(t.ScheduleConfig)
	if strings.TrimSpace(cfg) == "" {
		cfg = "{}"
	}
	_, err := r.exec(ctx,
		`INSERT INTO schedule_templates(id, project_id, repository_id, test_plan_id, title_pattern, frequency, schedule_config, environment, build_version)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.RepositoryID, t.TestPlanID, t.TitlePattern, t.Frequency, cfg, t.Environment, t.BuildVersion,
	)
	return mapErr(err, "create schedule template "+t.ID)
}

const scheduledCols = `id, template_id, last_run_at, last_run_id, run_count, next_run_at`

func scanScheduled(sc interface{ Scan(...any) error }) (store.ScheduledRun, error) {
	var (
		sr             store.ScheduledRun
		lastAt, nextAt sql.NullInt64
		lastID         sql.NullString
	)
	if err := sc.Scan(&sr.ID, &sr.TemplateID, &lastAt, &lastID, &sr.RunCount, &nextAt); err != nil {
		return sr, err
	}
	sr.LastRunAt = fromMS(lastAt)
	sr.NextRunAt = fromMS(nextAt)
	if lastID.Valid {
		v := lastID.String
		sr.LastRunID = &v
	}
	return sr, nil
}

func (r *repo) GetScheduledRun(ctx context.Context, id string) (store.ScheduledRun, error) {
	sr, err := scanScheduled(r.queryRow(ctx, `SELECT `+scheduledCols+` FROM scheduled_runs WHERE id = ?`, id))
	if err != nil {
		return store.ScheduledRun{}, mapErr(err, "scheduled run "+id)
	}
	return sr, nil
}

func (r *repo) CreateScheduledRun(ctx context.Context, sr store.ScheduledRun) error {
	_, err := r.exec(ctx,
		`INSERT INTO scheduled_runs(id, template_id, last_run_at, last_run_id, run_count, next_run_at) VALUES(?,?,?,?,?,?)`,
		sr.ID, sr.TemplateID, toMS(sr.LastRunAt), nullStr(sr.LastRunID), sr.RunCount, toMS(sr.NextRunAt),
	)
	return mapErr(err, "create scheduled run "+sr.ID)
}

func (r *repo) UpdateScheduledRun(ctx context.Context, sr store.ScheduledRun) error {
	out, err := r.exec(ctx,
		`UPDATE scheduled_runs SET template_id = ?, last_run_at = ?, last_run_id = ?, run_count = ?, next_run_at = ? WHERE id = ?`,
		sr.TemplateID, toMS(sr.LastRunAt), nullStr(sr.LastRunID), sr.RunCount, toMS(sr.NextRunAt), sr.ID,
	)
	if err != nil {
		return mapErr(err, "update scheduled run "+sr.ID)
	}
	if n, err := out.RowsAffected(); err == nil && n == 0 && r.d != dialectMySQL {
		return fmt.Errorf("scheduled run %s: %w", sr.ID, store.ErrNotFound)
	}
	return nil
}

func (r *repo) ListDueScheduledRuns(ctx context.Context, now time.Time, limit int) ([]store.ScheduledRun, error) {
	q := `SELECT ` + scheduledCols + ` FROM scheduled_runs
	       WHERE next_run_at IS NOT NULL AND next_run_at <= ?
	       ORDER BY next_run_at, id`
	args := []any{now.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list due scheduled runs")
	}
	defer rows.Close()
	var out []store.ScheduledRun
	for rows.Next() {
		sr, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
