package backup

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/qmperrors"
	"github.com/qmpbackup/qmpbackup/qmpops"
)

// jobOutcome is the terminal classification of one backup job
// (spec.md §4.D "Completion").
type jobOutcome struct {
	JobID  string
	Status string // "pending", "cancelled", "error"
	Err    error
}

// waitJobPending races JOB_STATUS_CHANGE(status=pending) against
// BLOCK_JOB_CANCELLED and BLOCK_JOB_ERROR for jobID. It returns as
// soon as one fires; the other listeners are abandoned once ctx
// (derived, cancelled on return) closes their WaitForEvent calls.
func waitJobPending(ctx context.Context, m Monitor, jobID string) jobOutcome {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan jobOutcome, 3)

	go func() {
		_, err := m.WaitForEvent(raceCtx, "JOB_STATUS_CHANGE", func(d gjson.Result) bool {
			return d.Get("id").String() == jobID && d.Get("status").String() == "pending"
		})
		if err == nil {
			results <- jobOutcome{JobID: jobID, Status: "pending"}
		}
	}()
	go func() {
		_, err := m.WaitForEvent(raceCtx, "BLOCK_JOB_CANCELLED", func(d gjson.Result) bool {
			return d.Get("device").String() == jobID
		})
		if err == nil {
			results <- jobOutcome{JobID: jobID, Status: "cancelled",
				Err: qmperrors.NewJobError("BLOCK_JOB_CANCELLED", jobID, nil)}
		}
	}()
	go func() {
		r, err := m.WaitForEvent(raceCtx, "BLOCK_JOB_ERROR", func(d gjson.Result) bool {
			return d.Get("device").String() == jobID
		})
		if err == nil {
			results <- jobOutcome{JobID: jobID, Status: "error",
				Err: qmperrors.NewJobError("BLOCK_JOB_ERROR", jobID, map[string]any{
					"operation": r.Get("operation").String(),
					"action":    r.Get("action").String(),
				})}
		}
	}()

	select {
	case <-ctx.Done():
		return jobOutcome{JobID: jobID, Status: "cancelled", Err: ctx.Err()}
	case o := <-results:
		return o
	}
}

// finalizeJob issues job-finalize and waits for BLOCK_JOB_COMPLETED,
// which only fires once the hypervisor has durably flushed the target
// (spec.md §4.D "auto-finalize=false").
func finalizeJob(ctx context.Context, m Monitor, jobID string) error {
	if _, err := qmpops.BlockJobFinalize(m, jobID); err != nil {
		return err
	}
	_, err := m.WaitForEvent(ctx, "BLOCK_JOB_COMPLETED", func(d gjson.Result) bool {
		return d.Get("device").String() == jobID
	})
	return err
}
