// Package queue dispatches workflow runs to workers: admission with per-tenant
// quotas, a leased job queue with heartbeat renewal, and the worker loop that
// hands claimed jobs to the runtime.
package queue

import (
	"context"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// Driver is a durable job queue with per-job leases.
//
// A claimed job is leased to one owner until its lock expires. The owner
// extends the lease while working and finishes it with Ack (done) or Nack
// (retry later). Leases that expire are returned to the ready set by
// ReclaimExpired with their attempt counter incremented; jobs that used up
// MaxAttempts that way are removed and reported as dead.
type Driver interface {
	Push(ctx context.Context, job *schema.QueueJob) error
	// Claim leases the oldest ready job whose group is not in exclude.
	// Returns nil, nil when nothing is ready.
	Claim(ctx context.Context, queue, owner string, lockUntil, now time.Time, exclude []string) (*schema.QueueJob, error)
	// ExtendLock fails with LOCK_LOST when owner no longer holds the job.
	ExtendLock(ctx context.Context, queue, jobID, owner string, until time.Time) error
	Ack(ctx context.Context, queue, jobID, owner string) error
	Nack(ctx context.Context, queue, jobID, owner string, retryAt time.Time) error
	ReclaimExpired(ctx context.Context, queue string, now time.Time) (*ReclaimResult, error)
}

// ReclaimResult lists the jobs a reclaim pass touched.
type ReclaimResult struct {
	Requeued []string
	Dead     []*schema.QueueJob
}

func lockLost(queue, jobID, owner string) error {
	return schema.NewErrorf(schema.ErrCodeLockLost, "lock on job %s lost by %s", jobID, owner).
		WithDetails(map[string]any{"queue": queue, "job_id": jobID})
}

func defaultMaxAttempts(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
