package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"testjobs/internal/jobs"
	"testjobs/internal/recurrence"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

const defaultTitlePattern = "Test Run - {date}"

// brokenScheduleDelay is how far out a schedule whose template or plan is gone
// is pushed, so the trigger stops picking it up on every scan.
const brokenScheduleDelay = 24 * time.Hour

type MaterializeResult struct {
	Success        bool      `json:"success"`
	TestRunID      string    `json:"testRunId"`
	ResultsCreated int       `json:"resultsCreated"`
	RunCount       int       `json:"runCount"`
	NextRunAt      time.Time `json:"nextRunAt"`
	NextRunDefault bool      `json:"nextRunDefault,omitempty"`
}

// RenderTitle substitutes {date} and {timestamp} with now in UTC.
func RenderTitle(pattern string, now time.Time) string {
	if strings.TrimSpace(pattern) == "" {
		pattern = defaultTitlePattern
	}
	now = now.UTC()
	return strings.NewReplacer(
		"{date}", now.Format("2006-01-02"),
		"{timestamp}", now.Format("2006-01-02T15:04:05.000Z07:00"),
	).Replace(pattern)
}

// MaterializeScheduledRun creates a pending run from the record's template,
// seeds one toDo result per plan case and advances the record. It is one
// transaction: either the run, all its results and the record update land,
// or nothing does.
func (p *Processor) MaterializeScheduledRun(ctx context.Context, job jobs.ScheduledRun) (MaterializeResult, error) {
	now := p.now().UTC()
	var (
		res  MaterializeResult
		next recurrence.Result
		tpl  store.ScheduleTemplate
	)

	err := p.store.WithTx(ctx, func(tx store.Repository) error {
		rec, err := tx.GetScheduledRun(ctx, job.ScheduleID)
		if err != nil {
			return notFound("scheduled run", job.ScheduleID, err)
		}
		if job.TemplateID != "" && job.TemplateID != rec.TemplateID {
			return fmt.Errorf("%w: scheduled run %s uses %s, job names %s",
				ErrTemplateMismatch, rec.ID, rec.TemplateID, job.TemplateID)
		}
		tpl, err = tx.GetTemplate(ctx, rec.TemplateID)
		if err != nil {
			return notFound("schedule template", rec.TemplateID, err)
		}
		if _, err := tx.GetTestPlan(ctx, tpl.TestPlanID); err != nil {
			return notFound("test plan", tpl.TestPlanID, err)
		}
		cases, err := tx.ListPlanCases(ctx, tpl.TestPlanID)
		if err != nil {
			return fmt.Errorf("load plan cases %s: %w", tpl.TestPlanID, err)
		}

		projectID := tpl.ProjectID
		if projectID == "" {
			projectID = job.ProjectID
		}
		run := store.TestRun{
			ID:            p.newID(),
			TestPlanID:    tpl.TestPlanID,
			RepositoryID:  tpl.RepositoryID,
			ProjectID:     projectID,
			Title:         RenderTitle(tpl.TitlePattern, now),
			Status:        store.RunPending,
			Environment:   tpl.Environment,
			BuildVersion:  tpl.BuildVersion,
			ExecutionDate: now,
			CreatedAt:     now,
		}
		if err := tx.CreateTestRun(ctx, run); err != nil {
			return err
		}

		if len(cases) > 0 {
			results := make([]store.TestRunResult, 0, len(cases))
			for _, c := range cases {
				results = append(results, store.TestRunResult{
					ID:         p.newID(),
					TestRunID:  run.ID,
					TestCaseID: c.ID,
					Status:     store.ResultToDo,
				})
			}
			if err := tx.CreateResults(ctx, results); err != nil {
				return fmt.Errorf("seed results of %s: %w", run.ID, err)
			}
		}

		next = recurrence.Next(tpl.Frequency, tpl.ScheduleConfig, now)
		at := next.At
		stale := !at.After(now)
		if stale {
			// An explicit nextRun already behind us would leave the record due.
			at = now.AddDate(0, 0, 1)
		}
		runID := run.ID
		rec.LastRunAt = &now
		rec.LastRunID = &runID
		rec.RunCount++
		rec.NextRunAt = &at
		if err := tx.UpdateScheduledRun(ctx, rec); err != nil {
			return err
		}

		res = MaterializeResult{
			Success:        true,
			TestRunID:      run.ID,
			ResultsCreated: len(cases),
			RunCount:       rec.RunCount,
			NextRunAt:      at,
			NextRunDefault: next.Fallback || stale,
		}
		return nil
	})
	if err != nil {
		if brokenSchedule(err) {
			p.deferSchedule(ctx, job.ScheduleID, now, err)
		}
		return MaterializeResult{}, err
	}

	if res.NextRunDefault && !next.Fallback {
		p.log.Warn("schedule next run is not in the future, next run defaults to one day out",
			logx.String("schedule_id", job.ScheduleID),
			logx.String("template_id", tpl.ID),
			logx.Time("configured", next.At),
			logx.Time("next_run_at", res.NextRunAt),
		)
	}
	if next.Fallback {
		p.log.Warn("schedule config unusable, next run defaults to one day out",
			logx.String("schedule_id", job.ScheduleID),
			logx.String("template_id", tpl.ID),
			logx.String("frequency", tpl.Frequency),
			logx.Time("next_run_at", next.At),
			logx.Err(next.Err),
		)
	}
	p.log.Info("scheduled run materialized",
		logx.String("schedule_id", job.ScheduleID),
		logx.String("test_run_id", res.TestRunID),
		logx.Int("results", res.ResultsCreated),
		logx.Int("run_count", res.RunCount),
		logx.Time("next_run_at", res.NextRunAt),
	)
	return res, nil
}

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }

// brokenSchedule reports whether err means the record points at a template or
// plan that no longer exists. Retrying such a record cannot succeed until
// someone edits it.
func brokenSchedule(err error) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return nf.Kind == "schedule template" || nf.Kind == "test plan"
}

// deferSchedule moves a broken record's nextRunAt out by brokenScheduleDelay.
func (p *Processor) deferSchedule(ctx context.Context, id string, now time.Time, cause error) {
	at := now.Add(brokenScheduleDelay)
	err := p.store.WithTx(ctx, func(tx store.Repository) error {
		rec, err := tx.GetScheduledRun(ctx, id)
		if err != nil {
			return err
		}
		rec.NextRunAt = &at
		return tx.UpdateScheduledRun(ctx, rec)
	})
	if err != nil {
		p.log.Warn("failed to defer broken schedule", logx.String("schedule_id", id), logx.Err(err))
		return
	}
	p.log.Warn("schedule cannot materialize, deferred",
		logx.String("schedule_id", id),
		logx.Time("next_run_at", at),
		logx.Err(cause),
	)
}
