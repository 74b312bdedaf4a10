package processor

import (
	"time"

	"testjobs/internal/store"
)

// ApplyTransition moves r to target at now and maintains the timing fields:
//
//   - inProgress stamps ExecutedAt the first time only
//   - passed, failed and blocked stamp CompletedAt and, when ExecutedAt is
//     known, ExecutionTime in whole seconds
//   - skipped clears CompletedAt and ExecutionTime
//
// ExecutedBy always follows actor; nil or empty clears it.
func ApplyTransition(r *store.TestRunResult, target store.ResultStatus, actor *string, now time.Time) {
	r.Status = target
	if actor != nil && *actor != "" {
		a := *actor
		r.ExecutedBy = &a
	} else {
		r.ExecutedBy = nil
	}

	switch {
	case target == store.ResultInProgress:
		if r.ExecutedAt == nil {
			t := now
			r.ExecutedAt = &t
		}
	case target.Terminal():
		t := now
		r.CompletedAt = &t
		if r.ExecutedAt != nil {
			secs := int64(now.Sub(*r.ExecutedAt) / time.Second)
			if secs < 0 {
				secs = 0
			}
			r.ExecutionTime = &secs
		}
	case target == store.ResultSkipped:
		r.CompletedAt = nil
		r.ExecutionTime = nil
	}
}
