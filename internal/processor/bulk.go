package processor

import (
	"context"
	"time"

	"testjobs/internal/jobs"
	"testjobs/internal/store"
	logx "testjobs/pkg/logx"
)

type StatusUpdateResult struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
}

type DeleteResult struct {
	Success   bool `json:"success"`
	Requested int  `json:"requested"`
	Deleted   int  `json:"deleted"`
}

// BulkStatusUpdate moves every existing result of the run whose case is in
// the job's set to the target status. A missing run or unmatched cases yield
// zero updates. All updates of one job commit together.
func (p *Processor) BulkStatusUpdate(ctx context.Context, job jobs.BulkStatusUpdate) (StatusUpdateResult, error) {
	caseIDs := dedupe(job.TestCaseIDs)
	if len(caseIDs) == 0 {
		return StatusUpdateResult{Success: true}, nil
	}

	unlock, err := p.locks.Lock(ctx, job.TestRunID)
	if err != nil {
		return StatusUpdateResult{}, err
	}
	defer unlock()

	start := time.Now()
	now := p.now().UTC()
	updated := 0
	err = p.store.WithTx(ctx, func(tx store.Repository) error {
		results, err := tx.ListResults(ctx, job.TestRunID, caseIDs)
		if err != nil {
			return err
		}
		for i := range results {
			ApplyTransition(&results[i], job.Status, job.ActorID, now)
			if err := tx.UpdateResult(ctx, results[i]); err != nil {
				return err
			}
		}
		updated = len(results)
		return nil
	})
	if err != nil {
		return StatusUpdateResult{}, err
	}

	p.log.Debug("bulk status update applied",
		logx.String("test_run_id", job.TestRunID),
		logx.String("status", string(job.Status)),
		logx.Int("requested", len(caseIDs)),
		logx.Int("updated", updated),
		logx.Duration("took", time.Since(start)),
	)
	return StatusUpdateResult{Success: true, Updated: updated}, nil
}

// BulkDelete removes the listed results that belong to the job's run. Ids
// that are gone or belong to another run are skipped silently.
func (p *Processor) BulkDelete(ctx context.Context, job jobs.BulkDelete) (DeleteResult, error) {
	ids := dedupe(job.ResultIDs)
	if len(ids) == 0 {
		return DeleteResult{Success: true}, nil
	}

	unlock, err := p.locks.Lock(ctx, job.TestRunID)
	if err != nil {
		return DeleteResult{}, err
	}
	defer unlock()

	deleted := 0
	err = p.store.WithTx(ctx, func(tx store.Repository) error {
		n, err := tx.DeleteResults(ctx, job.TestRunID, ids)
		deleted = n
		return err
	})
	if err != nil {
		return DeleteResult{}, err
	}

	p.log.Debug("bulk delete applied",
		logx.String("test_run_id", job.TestRunID),
		logx.Int("requested", len(ids)),
		logx.Int("deleted", deleted),
	)
	return DeleteResult{Success: true, Requested: len(ids), Deleted: deleted}, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
