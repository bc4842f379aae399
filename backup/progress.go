package backup

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/qmpbackup/qmpbackup/qmpops"
)

// defaultProgressInterval is how often the background tracker polls
// query-block-jobs. It has no bearing on correctness (spec.md §4.D
// "Progress tracking").
const defaultProgressInterval = 5 * time.Second

// trackProgress polls query-block-jobs at interval and logs per-job
// throughput for every job-id in jobIDs until ctx is cancelled. It is
// meant to run in its own goroutine, joined via sync.WaitGroup.
func trackProgress(ctx context.Context, m Monitor, jobIDs []string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	wanted := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reportProgress(m, wanted)
		}
	}
}

func reportProgress(m Monitor, wanted map[string]bool) {
	jobs, err := qmpops.QueryBlockJobs(m)
	if err != nil {
		log.Warn("query-block-jobs failed during progress poll", "error", err)
		return
	}
	jobs.ForEach(func(_, job gjson.Result) bool {
		id := job.Get("device").String()
		if !wanted[id] {
			return true
		}
		offset := job.Get("offset").Int()
		length := job.Get("len").Int()
		var pct float64
		if length > 0 {
			pct = float64(offset) / float64(length) * 100
		}
		log.Info("backup job progress",
			"job", id,
			"status", job.Get("status").String(),
			"offset", offset,
			"len", length,
			"percent", pct,
		)
		return true
	})
}
