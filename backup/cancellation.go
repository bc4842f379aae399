package backup

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/device"
	"github.com/qmpbackup/qmpbackup/qmpops"
)

// Cancellation bridges a signal handler and the orchestrator without a
// process-global mutable flag (design note §9 "Ambient process
// state"). The caller's signal handler calls Trigger; Run observes
// Caught() after teardown to decide whether to suppress the .partial
// rename and force a non-zero exit.
type Cancellation struct {
	cancel context.CancelFunc
	caught atomic.Bool
}

// NewCancellation derives a cancellable context from parent and
// returns it alongside the token that cancels it.
func NewCancellation(parent context.Context) (context.Context, *Cancellation) {
	ctx, cancel := context.WithCancel(parent)
	return ctx, &Cancellation{cancel: cancel}
}

// Trigger marks the run as signal-caught and cancels its context.
func (c *Cancellation) Trigger() {
	c.caught.Store(true)
	c.cancel()
}

// Caught reports whether Trigger has been called.
func (c *Cancellation) Caught() bool {
	return c.caught.Load()
}

// CancelReservedJobs enumerates the hypervisor's current block jobs
// and force-cancels every one whose device name carries the
// orchestrator's reserved prefix (spec.md §4.E "Cancellation"). A
// signal handler calls this after Trigger, before teardown runs.
func CancelReservedJobs(m Monitor) error {
	jobs, err := qmpops.QueryBlockJobs(m)
	if err != nil {
		return err
	}

	var firstErr error
	jobs.ForEach(func(_, job gjson.Result) bool {
		id := job.Get("device").String()
		if !strings.HasPrefix(id, device.ReservedNodePrefix) {
			return true
		}
		if _, err := qmpops.BlockJobCancel(m, id, true); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
