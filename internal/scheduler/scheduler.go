package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/weave/internal/connectors"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/queue"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

const (
	DefaultInterval            = time.Minute
	DefaultClaimLimit          = 100
	DefaultPollIntervalSeconds = 60
	DefaultMaxIntervalSeconds  = 3600
	DefaultDedupeTTL           = 7 * 24 * time.Hour
	DefaultPollConcurrency     = 8
	DefaultPollTimeout         = 30 * time.Second

	// TriggerTypePolling marks executions started from a polled item.
	TriggerTypePolling = "polling"
)

// Enqueuer admits a run into the execution queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.RunRequest) (*queue.Enqueued, error)
}

// Pollers resolves the poll handler for a trigger.
type Pollers interface {
	Poller(appID, triggerID string) (connectors.PollHandler, error)
}

// Store is the persistence the scheduler needs.
type Store interface {
	store.TriggerStore
	store.DedupeStore
}

// Config tunes a Scheduler.
type Config struct {
	Region string
	// Interval is the cycle period. Cycles are aligned to multiples of it.
	Interval   time.Duration
	ClaimLimit int
	// ClaimFor bounds how long a claimed trigger stays invisible to other
	// schedulers. Defaults to the poll timeout plus one interval.
	ClaimFor           time.Duration
	MaxIntervalSeconds int
	DedupeTTL          time.Duration
	PollConcurrency    int
	PollTimeout        time.Duration
	Owner              string
}

func (c Config) withDefaults() Config {
	if c.Region == "" {
		c.Region = "default"
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = DefaultClaimLimit
	}
	if c.MaxIntervalSeconds == 0 {
		c.MaxIntervalSeconds = DefaultMaxIntervalSeconds
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = DefaultDedupeTTL
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = DefaultPollConcurrency
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.ClaimFor <= 0 {
		c.ClaimFor = c.PollTimeout + c.Interval
	}
	if c.Owner == "" {
		c.Owner = "scheduler-" + uuid.NewString()
	}
	return c
}

// CycleReport summarizes one RunCycle.
type CycleReport struct {
	Key        string
	Skipped    bool
	Claimed    int
	Polled     int
	Failed     int
	Enqueued   int
	Duplicates int
	Swept      int64
}

// Scheduler polls due triggers and enqueues a run for every new item.
type Scheduler struct {
	store   Store
	locker  Locker
	pollers Pollers
	enqueue Enqueuer
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(s Store, locker Locker, pollers Pollers, enq Enqueuer, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:   s,
		locker:  locker,
		pollers: pollers,
		enqueue: enq,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("region", cfg.Region, "owner", cfg.Owner),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// LockKey returns the lock name for the cycle containing now.
func (s *Scheduler) LockKey(now time.Time) string {
	return fmt.Sprintf("weave:scheduler:%s:%d", s.cfg.Region, now.Truncate(s.cfg.Interval).Unix())
}

// RunCycle runs one scheduling cycle. Only one scheduler in the region runs
// the cycle for a given tick; the others report Skipped. The tick lock is
// left to expire so a late peer cannot rerun the same tick.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	report := &CycleReport{Key: s.LockKey(now)}

	ok, err := s.locker.TryLock(ctx, report.Key, s.cfg.Owner, 2*s.cfg.Interval)
	if err != nil {
		s.metrics.ObserveCycle("error")
		return report, fmt.Errorf("acquire scheduler lock: %w", err)
	}
	if !ok {
		report.Skipped = true
		s.metrics.ObserveCycle("skipped")
		s.logger.Debug("cycle skipped, lock held elsewhere", "key", report.Key)
		return report, nil
	}

	triggers, err := s.store.ClaimDuePollingTriggers(ctx, store.ClaimRequest{
		Now:      now,
		Limit:    s.cfg.ClaimLimit,
		Region:   s.cfg.Region,
		Owner:    s.cfg.Owner,
		ClaimFor: s.cfg.ClaimFor,
	})
	// Triggers claimed before a failure are still polled and released.
	if err != nil && len(triggers) == 0 {
		s.metrics.ObserveCycle("error")
		return report, fmt.Errorf("claim due triggers: %w", err)
	}
	report.Claimed = len(triggers)

	var mu sync.Mutex
	pool := queue.NewPool(s.cfg.PollConcurrency, 0)
	for _, pt := range triggers {
		submitErr := pool.Submit(ctx, pt.OrganizationID, func(ctx context.Context) error {
			res := s.pollOne(ctx, pt, now)
			mu.Lock()
			defer mu.Unlock()
			report.Polled++
			report.Enqueued += res.enqueued
			report.Duplicates += res.duplicates
			if res.err != nil {
				report.Failed++
			}
			return res.err
		})
		if submitErr != nil {
			s.logger.Warn("poll not started", "trigger_id", pt.ID, "error", submitErr)
			break
		}
	}
	pool.Shutdown()

	report.Swept = s.sweep(ctx, now)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObserveCycle(result)
	s.logger.Info("cycle finished",
		"key", report.Key,
		"claimed", report.Claimed,
		"failed", report.Failed,
		"enqueued", report.Enqueued,
		"duplicates", report.Duplicates,
	)
	if err != nil {
		return report, fmt.Errorf("claim due triggers: %w", err)
	}
	return report, nil
}

type pollResult struct {
	enqueued   int
	duplicates int
	err        error
}

// pollOne polls a claimed trigger, enqueues its new items and releases the
// claim with the next poll time.
func (s *Scheduler) pollOne(ctx context.Context, pt *schema.PollingTrigger, now time.Time) pollResult {
	ctx = logging.WithOrganizationID(ctx, pt.OrganizationID)
	log := logging.LogWith(ctx, s.logger).With("trigger_id", pt.ID, "app_id", pt.AppID)

	var res pollResult
	cursor, err := s.poll(ctx, pt, now, &res)
	res.err = err

	out := store.PollOutcome{Cursor: cursor}
	if err != nil {
		out.BackoffCount = pt.BackoffCount + 1
		out.NextPollAt = now.Add(time.Duration(ComputePollingIntervalWithBackoff(
			baseInterval(pt), out.BackoffCount, s.cfg.MaxIntervalSeconds)) * time.Second)
		out.LastStatus = schema.PollStatusError
		out.LastError = err.Error()
		out.Cursor = nil
		s.metrics.ObservePoll(pt.AppID, schema.PollStatusError)
		log.Warn("poll failed", "backoff", out.BackoffCount, "next_poll_at", out.NextPollAt, "error", err)
	} else {
		out.NextPollAt = s.nextPoll(pt, now, log)
		out.LastStatus = schema.PollStatusSuccess
		s.metrics.ObservePoll(pt.AppID, schema.PollStatusSuccess)
	}

	// The release must land even when the cycle is being cancelled.
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if relErr := s.store.ReleasePollingTrigger(relCtx, pt.ID, s.cfg.Owner, out); relErr != nil {
		if schema.HasCode(relErr, schema.ErrCodeConflict) {
			log.Warn("claim lost before release", "error", relErr)
		} else {
			log.Error("release trigger", "error", relErr)
		}
		if res.err == nil {
			res.err = relErr
		}
	}
	return res
}

// poll runs the handler and dispatches its items. The returned cursor is
// nil when the previous one should be kept.
func (s *Scheduler) poll(ctx context.Context, pt *schema.PollingTrigger, now time.Time, res *pollResult) (json.RawMessage, error) {
	handler, err := s.pollers.Poller(pt.AppID, pt.TriggerID)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()
	result, err := handler(pctx, connectors.PollRequest{Trigger: pt, Cursor: pt.Cursor, Now: now})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	var failed int
	for _, item := range result.Items {
		fresh := true
		if item.DedupeToken != "" {
			fresh, err = s.store.RecordDedupeToken(ctx, pt.ID, item.DedupeToken, now, s.cfg.DedupeTTL)
			if err != nil {
				failed++
				break
			}
		}
		if !fresh {
			res.duplicates++
			continue
		}
		_, err = s.enqueue.Enqueue(ctx, queue.RunRequest{
			WorkflowID:     pt.WorkflowID,
			OrganizationID: pt.OrganizationID,
			TriggerType:    TriggerTypePolling,
			TriggerPayload: item.Payload,
		})
		if err != nil {
			failed++
			if item.DedupeToken != "" {
				if ferr := s.store.ForgetDedupeToken(context.WithoutCancel(ctx), pt.ID, item.DedupeToken); ferr != nil {
					s.logger.Error("forget dedupe token", "trigger_id", pt.ID, "error", ferr)
				}
			}
			break
		}
		res.enqueued++
	}

	s.metrics.ObservePolledItems("enqueued", res.enqueued)
	s.metrics.ObservePolledItems("duplicate", res.duplicates)
	s.metrics.ObservePolledItems("failed", failed)
	if err != nil {
		// Keep the old cursor so the remaining items are seen again.
		return nil, fmt.Errorf("dispatch polled item: %w", err)
	}
	return result.Cursor, nil
}

func (s *Scheduler) nextPoll(pt *schema.PollingTrigger, now time.Time, log *slog.Logger) time.Time {
	if pt.Schedule != "" {
		next, err := CalculateNextRun(pt.Schedule, now)
		if err == nil {
			return next
		}
		log.Warn("invalid schedule, using interval", "schedule", pt.Schedule, "error", err)
	}
	return now.Add(time.Duration(baseInterval(pt)) * time.Second)
}

func baseInterval(pt *schema.PollingTrigger) int {
	if pt.IntervalSeconds > 0 {
		return pt.IntervalSeconds
	}
	return DefaultPollIntervalSeconds
}

// leaseSweeper is implemented by lockers that keep lock rows around.
type leaseSweeper interface {
	Sweep(ctx context.Context, before time.Time) (int64, error)
}

func (s *Scheduler) sweep(ctx context.Context, now time.Time) int64 {
	n, err := s.store.SweepDedupeTokens(ctx, now.Add(-s.cfg.DedupeTTL))
	if err != nil {
		s.logger.Error("sweep dedupe tokens", "error", err)
	}
	if sw, ok := s.locker.(leaseSweeper); ok {
		if _, err := sw.Sweep(ctx, now); err != nil {
			s.logger.Error("sweep leases", "error", err)
		}
	}
	return n
}

// CreateTrigger validates and stores a polling trigger. The first poll is
// due immediately unless NextPollAt is set.
func (s *Scheduler) CreateTrigger(ctx context.Context, pt *schema.PollingTrigger) error {
	if pt.WorkflowID == "" || pt.OrganizationID == "" {
		return schema.NewError(schema.ErrCodeValidation, "polling trigger requires workflow_id and organization_id")
	}
	if pt.IntervalSeconds < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "interval_seconds must not be negative, got %d", pt.IntervalSeconds)
	}
	if pt.Schedule != "" {
		if _, err := ParseSchedule(pt.Schedule); err != nil {
			return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
	}
	if _, err := s.pollers.Poller(pt.AppID, pt.TriggerID); err != nil {
		return err
	}
	if pt.ID == "" {
		pt.ID = uuid.NewString()
	}
	if pt.Region == "" {
		pt.Region = s.cfg.Region
	}
	if pt.NextPollAt.IsZero() {
		pt.NextPollAt = s.now()
	}
	pt.IsActive = true
	return s.store.CreatePollingTrigger(ctx, pt)
}

// Start launches the background cycle loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", s.cfg.Interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunCycle(ctx, s.now()); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler cycle failed", "error", err)
	}
}

// Stop cancels the loop and waits for the running cycle to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Run is Start followed by a blocking wait on ctx, for use in an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
