package queue

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// MemoryDriver is an in-process Driver for single-node deployments and
// tests. Jobs do not survive a restart.
type MemoryDriver struct {
	mu     sync.Mutex
	queues map[string]map[string]*schema.QueueJob
}

func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{queues: make(map[string]map[string]*schema.QueueJob)}
}

func (d *MemoryDriver) jobs(queue string) map[string]*schema.QueueJob {
	q, ok := d.queues[queue]
	if !ok {
		q = make(map[string]*schema.QueueJob)
		d.queues[queue] = q
	}
	return q
}

func (d *MemoryDriver) Push(_ context.Context, job *schema.QueueJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.jobs(job.Queue)
	if _, exists := q[job.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already queued", job.ID)
	}
	cp := *job
	cp.MaxAttempts = defaultMaxAttempts(cp.MaxAttempts)
	q[job.ID] = &cp
	return nil
}

func (d *MemoryDriver) Claim(_ context.Context, queue, owner string, lockUntil, now time.Time, exclude []string) (*schema.QueueJob, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ready []*schema.QueueJob
	for _, j := range d.jobs(queue) {
		if j.LockOwner == "" && !j.ReadyAt.After(now) && !slices.Contains(exclude, j.GroupKey) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].ReadyAt.Equal(ready[b].ReadyAt) {
			return ready[a].ID < ready[b].ID
		}
		return ready[a].ReadyAt.Before(ready[b].ReadyAt)
	})
	j := ready[0]
	j.LockOwner = owner
	until := lockUntil
	j.LockExpiresAt = &until
	cp := *j
	return &cp, nil
}

func (d *MemoryDriver) held(queue, jobID, owner string) (*schema.QueueJob, error) {
	j, ok := d.jobs(queue)[jobID]
	if !ok || j.LockOwner != owner {
		return nil, lockLost(queue, jobID, owner)
	}
	return j, nil
}

func (d *MemoryDriver) ExtendLock(_ context.Context, queue, jobID, owner string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, err := d.held(queue, jobID, owner)
	if err != nil {
		return err
	}
	j.LockExpiresAt = &until
	return nil
}

func (d *MemoryDriver) Ack(_ context.Context, queue, jobID, owner string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.held(queue, jobID, owner); err != nil {
		return err
	}
	delete(d.jobs(queue), jobID)
	return nil
}

func (d *MemoryDriver) Nack(_ context.Context, queue, jobID, owner string, retryAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, err := d.held(queue, jobID, owner)
	if err != nil {
		return err
	}
	j.Attempt++
	j.LockOwner = ""
	j.LockExpiresAt = nil
	j.ReadyAt = retryAt
	return nil
}

func (d *MemoryDriver) ReclaimExpired(_ context.Context, queue string, now time.Time) (*ReclaimResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res := &ReclaimResult{}
	q := d.jobs(queue)
	ids := make([]string, 0, len(q))
	for id := range q {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		j := q[id]
		if j.LockOwner == "" || j.LockExpiresAt == nil || j.LockExpiresAt.After(now) {
			continue
		}
		j.Attempt++
		j.LockOwner = ""
		j.LockExpiresAt = nil
		if j.Attempt >= j.MaxAttempts {
			delete(q, id)
			res.Dead = append(res.Dead, j)
			continue
		}
		j.ReadyAt = now
		res.Requeued = append(res.Requeued, id)
	}
	return res, nil
}

// Len reports how many jobs the queue holds, leased or not.
func (d *MemoryDriver) Len(queue string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs(queue))
}

var _ Driver = (*MemoryDriver)(nil)
