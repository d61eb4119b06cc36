package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/pkg/schema"
)

// Worker defaults.
const (
	DefaultQueue           = "executions"
	DefaultConcurrency     = 8
	DefaultLockDuration    = 30 * time.Second
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultReclaimInterval = 5 * time.Second
	DefaultRetryDelay      = 5 * time.Second
)

// Processor handles claimed jobs.
type Processor interface {
	// Process runs the job. The context is cancelled when the worker loses
	// the job's lease or shuts down; Process must stop mutating shared state
	// once it is.
	Process(ctx context.Context, job *schema.QueueJob) error
	// Finished is called when a job leaves the queue for good: completed,
	// failed without retries left, or dead-lettered by reclaim. err is nil
	// only on success. A crash can repeat the call, never skip it.
	Finished(ctx context.Context, job *schema.QueueJob, err error)
}

// WorkerConfig tunes a Worker. Zero values take the defaults above.
type WorkerConfig struct {
	Queue string
	// Concurrency is the global pool size.
	Concurrency int
	// GroupConcurrency caps the jobs of one group key (organization) in
	// flight at once. Zero leaves groups bounded only by Concurrency.
	GroupConcurrency int
	LockDuration     time.Duration
	// LockRenewTime is the heartbeat period. Defaults to LockDuration/2.
	LockRenewTime   time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	RetryDelay      time.Duration
	WorkerID        string
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.LockDuration <= 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.LockRenewTime <= 0 || c.LockRenewTime >= c.LockDuration {
		c.LockRenewTime = c.LockDuration / 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.WorkerID == "" {
		c.WorkerID = "worker-" + uuid.NewString()
	}
	return c
}

// errLeaseLost is the cancellation cause of a job whose lease could not be
// renewed.
var errLeaseLost = errors.New("job lease lost")

// Worker claims jobs from one queue and runs them on a bounded pool while
// keeping their leases alive.
type Worker struct {
	driver  Driver
	proc    Processor
	cfg     WorkerConfig
	pool    *Pool
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time
}

// NewWorker creates a worker. m and logger may be nil.
func NewWorker(driver Driver, proc Processor, cfg WorkerConfig, m *metrics.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		driver:  driver,
		proc:    proc,
		cfg:     cfg,
		pool:    NewPool(cfg.Concurrency, cfg.GroupConcurrency),
		metrics: m,
		logger:  logger.With("queue", cfg.Queue, "worker_id", cfg.WorkerID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ID returns the lease owner identity of this worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run claims and processes jobs until ctx is cancelled. In-flight jobs see
// the cancellation and are abandoned without an ack; their leases expire
// and another worker picks them up.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithWorkerID(ctx, w.cfg.WorkerID)
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency, "group_concurrency", w.cfg.GroupConcurrency)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()
	defer func() {
		w.pool.Shutdown()
		wg.Wait()
		w.logger.Info("worker stopped")
	}()

	for {
		claimed, err := w.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrPoolShutdown) {
			return nil
		}
		if err != nil {
			w.logger.Warn("claim failed", "error", err)
		}
		if claimed {
			continue
		}
		if !sleep(ctx, w.cfg.PollInterval) {
			return nil
		}
	}
}

// Poll reserves a pool slot, claims one job and starts it. It blocks while
// the pool is full. Returns false when nothing was claimable.
func (w *Worker) Poll(ctx context.Context) (bool, error) {
	res, err := w.pool.Reserve(ctx)
	if err != nil {
		return false, err
	}
	now := w.now()
	job, err := w.driver.Claim(ctx, w.cfg.Queue, w.cfg.WorkerID, now.Add(w.cfg.LockDuration), now, w.pool.SaturatedGroups())
	if err != nil || job == nil {
		res.Release()
		return false, err
	}
	res.Run(ctx, job.GroupKey, func(ctx context.Context) error {
		return w.handle(ctx, job)
	})
	return true, nil
}

// Wait blocks until every started job has returned.
func (w *Worker) Wait() { w.pool.Wait() }

// Reclaim returns expired leases to the queue and finishes the jobs that
// ran out of attempts.
func (w *Worker) Reclaim(ctx context.Context) (*ReclaimResult, error) {
	res, err := w.driver.ReclaimExpired(ctx, w.cfg.Queue, w.now())
	if err != nil {
		return nil, err
	}
	if len(res.Requeued) > 0 {
		w.logger.Info("expired leases requeued", "jobs", res.Requeued)
	}
	for _, job := range res.Dead {
		cause := schema.NewErrorf(schema.ErrCodeLockLost,
			"job %s abandoned after %d expired leases", job.ID, job.Attempt).
			WithDetails(map[string]any{"job_id": job.ID, "attempts": job.Attempt})
		w.logger.Warn("job dead-lettered", "job_id", job.ID, "attempts", job.Attempt)
		w.metrics.ObserveJob(w.cfg.Queue, "dead", 0)
		w.proc.Finished(ctx, job, cause)
	}
	return res, nil
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Reclaim(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("reclaim failed", "error", err)
			}
		}
	}
}

// handle runs one leased job to an outcome.
func (w *Worker) handle(ctx context.Context, job *schema.QueueJob) error {
	start := w.now()
	w.metrics.JobStarted()
	defer w.metrics.JobFinished()
	logger := w.logger.With("job_id", job.ID, "attempt", job.Attempt)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		w.heartbeat(jobCtx, cancel, job, stop)
	}()

	err := w.proc.Process(jobCtx, job)
	close(stop)
	<-stopped

	settle := context.WithoutCancel(ctx)
	switch {
	case errors.Is(context.Cause(jobCtx), errLeaseLost):
		logger.Warn("lease lost, job abandoned", "error", err)
		w.metrics.ObserveJob(w.cfg.Queue, "lease_lost", w.now().Sub(start))
		return schema.NewErrorf(schema.ErrCodeLockLost, "lease on job %s lost", job.ID).WithCause(err)

	case ctx.Err() != nil:
		logger.Info("worker shutting down, job abandoned")
		w.metrics.ObserveJob(w.cfg.Queue, "abandoned", w.now().Sub(start))
		return nil

	case err == nil:
		w.proc.Finished(settle, job, nil)
		if ackErr := w.driver.Ack(settle, w.cfg.Queue, job.ID, w.cfg.WorkerID); ackErr != nil {
			logger.Warn("ack failed", "error", ackErr)
			w.metrics.ObserveJob(w.cfg.Queue, "lease_lost", w.now().Sub(start))
			return ackErr
		}
		w.metrics.ObserveJob(w.cfg.Queue, "completed", w.now().Sub(start))
		return nil

	case retryable(err) && job.Attempt+1 < job.MaxAttempts:
		retryAt := w.now().Add(w.cfg.RetryDelay)
		if nackErr := w.driver.Nack(settle, w.cfg.Queue, job.ID, w.cfg.WorkerID, retryAt); nackErr != nil {
			logger.Warn("nack failed", "error", nackErr)
			return nackErr
		}
		logger.Info("job will be retried", "error", err, "retry_at", retryAt)
		w.metrics.ObserveJob(w.cfg.Queue, "retried", w.now().Sub(start))
		return err

	default:
		logger.Warn("job failed", "error", err)
		w.proc.Finished(settle, job, err)
		if ackErr := w.driver.Ack(settle, w.cfg.Queue, job.ID, w.cfg.WorkerID); ackErr != nil {
			logger.Warn("ack failed", "error", ackErr)
		}
		w.metrics.ObserveJob(w.cfg.Queue, "failed", w.now().Sub(start))
		return err
	}
}

// heartbeat extends the job lease every LockRenewTime until stop closes.
// A LOCK_LOST reply, or going a full LockDuration without a successful
// extension, cancels the job with errLeaseLost.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, job *schema.QueueJob, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.LockRenewTime)
	defer ticker.Stop()
	extended := w.now()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := w.now()
		err := w.driver.ExtendLock(ctx, w.cfg.Queue, job.ID, w.cfg.WorkerID, now.Add(w.cfg.LockDuration))
		if err == nil {
			extended = now
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if schema.HasCode(err, schema.ErrCodeLockLost) || now.Sub(extended) >= w.cfg.LockDuration {
			w.logger.Warn("lease renewal failed, stopping job", "job_id", job.ID, "error", err)
			w.metrics.LeaseLostInc()
			cancel(errLeaseLost)
			return
		}
		w.logger.Warn("lease renewal failed, will retry", "job_id", job.ID, "error", err)
	}
}

func retryable(err error) bool {
	var we *schema.WeaveError
	if errors.As(err, &we) {
		return we.IsRetryable()
	}
	var qe *schema.ExecutionQuotaExceededError
	return !errors.As(err, &qe)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
