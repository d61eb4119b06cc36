package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

// DefaultMaxAttempts bounds job deliveries when the service config leaves it unset.
const DefaultMaxAttempts = 3

// Job payload kinds.
const (
	jobKindRun    = "run"
	jobKindResume = "resume"
)

// Runner executes the jobs. Satisfied by *engine.Runtime.
type Runner interface {
	Execute(ctx context.Context, req engine.ExecuteRequest) (*engine.Result, error)
	Resume(ctx context.Context, req engine.ResumeRequest) (*engine.Result, error)
	Fail(ctx context.Context, executionID string, cause error) error
}

// TokenRedeemer verifies and consumes resume tokens. Satisfied by
// *resume.Manager.
type TokenRedeemer interface {
	Inspect(ctx context.Context, token string) (*schema.ResumeToken, error)
	Redeem(ctx context.Context, token string) (*schema.ResumeToken, error)
	Release(ctx context.Context, tok *schema.ResumeToken) error
}

// Store is the persistence surface of the Service.
type Store interface {
	store.WorkflowStore
	store.ExecutionStore
	store.SlotStore
}

// QuotaConfig holds the per-organization admission limits. Zero disables a
// limit.
type QuotaConfig struct {
	// MaxConcurrent caps jobs admitted and not yet finished.
	MaxConcurrent int
	// MaxTasks caps jobs admitted within TaskWindow.
	MaxTasks   int
	TaskWindow time.Duration
	// RatePerSecond and Burst shape the enqueue rate.
	RatePerSecond float64
	Burst         int
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Queue       string
	MaxAttempts int
	Quota       QuotaConfig
}

// RunRequest asks for a new execution. Graph may be omitted when WorkflowID
// names a stored workflow.
type RunRequest struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	Graph          *schema.WorkflowGraph
	TriggerType    string
	TriggerPayload any
	Mode           schema.ExecutionMode
}

// ResumeRequest carries a resume token and the callback data.
type ResumeRequest struct {
	Token string
	Data  any
}

// Enqueued is returned once a job is on the queue.
type Enqueued struct {
	ExecutionID string `json:"execution_id"`
	JobID       string `json:"job_id"`
}

type jobPayload struct {
	Kind        string          `json:"kind"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	TokenHash   string          `json:"token_hash,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Service admits runs and resumes onto the queue and processes the jobs a
// Worker hands it. It implements Processor.
type Service struct {
	store   Store
	driver  Driver
	runner  Runner
	tokens  TokenRedeemer
	cfg     ServiceConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	onResult ResultHook

	now func() time.Time
}

// ResultHook observes every processed job's result. Results of runs that
// parked a node carry the freshly issued resume tokens, which exist nowhere
// else in raw form.
type ResultHook func(ctx context.Context, res *engine.Result)

// OnResult installs h. Call before the worker starts.
func (s *Service) OnResult(h ResultHook) { s.onResult = h }

// NewService wires a Service. tokens may be nil when resumes are not served.
func NewService(s Store, driver Driver, runner Runner, tokens TokenRedeemer, cfg ServiceConfig, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Service{
		store:    s,
		driver:   driver,
		runner:   runner,
		tokens:   tokens,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue admits a new execution. Quota rejections return
// *schema.ExecutionQuotaExceededError before anything is written.
func (s *Service) Enqueue(ctx context.Context, req RunRequest) (*Enqueued, error) {
	if req.OrganizationID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "organization_id is required")
	}
	graph := req.Graph
	if graph == nil {
		if req.WorkflowID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "either a graph or a workflow_id is required")
		}
		wf, err := s.store.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		if wf.OrganizationID != req.OrganizationID {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", req.WorkflowID)
		}
		graph = &wf.Graph
	}
	mode := req.Mode
	if mode == "" {
		mode = schema.ExecutionModeNormal
	}
	var payload json.RawMessage
	if req.TriggerPayload != nil {
		raw, err := json.Marshal(req.TriggerPayload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode trigger payload: %s", err.Error())
		}
		payload = raw
	}

	jobID := uuid.NewString()
	if err := s.admit(ctx, req.OrganizationID, jobID); err != nil {
		return nil, err
	}

	now := s.now()
	rec := &store.ExecutionRecord{
		Execution: schema.Execution{
			ID:             uuid.NewString(),
			WorkflowID:     req.WorkflowID,
			OrganizationID: req.OrganizationID,
			UserID:         req.UserID,
			Status:         schema.ExecutionStatusQueued,
			Mode:           mode,
			TriggerType:    req.TriggerType,
			TriggerPayload: payload,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Graph: *graph,
	}
	if err := s.store.CreateExecution(ctx, rec); err != nil {
		s.releaseSlot(ctx, jobID)
		return nil, err
	}
	if err := s.push(ctx, jobID, req.OrganizationID, jobPayload{Kind: jobKindRun, ExecutionID: rec.ID}); err != nil {
		s.releaseSlot(ctx, jobID)
		return nil, err
	}

	logging.LogWith(logging.WithIDs(ctx, req.OrganizationID, rec.ID), s.logger).
		Info("execution enqueued", "job_id", jobID, "workflow_id", req.WorkflowID, "trigger_type", req.TriggerType)
	return &Enqueued{ExecutionID: rec.ID, JobID: jobID}, nil
}

// EnqueueResume redeems the token and queues the resume of its execution.
// The token is consumed before the job is pushed, so a second resume with
// the same token fails with TOKEN_ALREADY_CONSUMED and never reaches the
// queue. When the push fails the token is released again.
func (s *Service) EnqueueResume(ctx context.Context, req ResumeRequest) (*Enqueued, error) {
	if s.tokens == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume is not configured")
	}
	tok, err := s.tokens.Inspect(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetExecution(ctx, tok.ExecutionID)
	if err != nil {
		return nil, err
	}
	if rec.Status != schema.ExecutionStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not waiting", rec.ID, rec.Status)
	}
	var data json.RawMessage
	if req.Data != nil {
		if data, err = json.Marshal(req.Data); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode resume data: %s", err.Error())
		}
	}

	jobID := uuid.NewString()
	if err := s.admit(ctx, tok.OrganizationID, jobID); err != nil {
		return nil, err
	}
	redeemed, err := s.tokens.Redeem(ctx, req.Token)
	if err != nil {
		s.releaseSlot(ctx, jobID)
		return nil, err
	}
	if err := s.push(ctx, jobID, redeemed.OrganizationID, jobPayload{
		Kind:        jobKindResume,
		ExecutionID: redeemed.ExecutionID,
		NodeID:      redeemed.NodeID,
		TokenHash:   redeemed.TokenHash,
		Data:        data,
	}); err != nil {
		s.releaseSlot(ctx, jobID)
		if relErr := s.tokens.Release(context.WithoutCancel(ctx), redeemed); relErr != nil {
			logging.LogWith(logging.WithIDs(ctx, redeemed.OrganizationID, redeemed.ExecutionID), s.logger).
				Error("release resume token after failed push", "node_id", redeemed.NodeID, "error", relErr)
		}
		return nil, err
	}

	logging.LogWith(logging.WithIDs(ctx, redeemed.OrganizationID, redeemed.ExecutionID), s.logger).
		Info("resume enqueued", "job_id", jobID, "node_id", redeemed.NodeID)
	return &Enqueued{ExecutionID: redeemed.ExecutionID, JobID: jobID}, nil
}

// admit runs the quota checks in order (rate, task budget, concurrency) and
// holds a tenant slot for jobID when all pass. The rate token is only spent
// when the job is admitted.
func (s *Service) admit(ctx context.Context, org, jobID string) (err error) {
	q := s.cfg.Quota
	now := s.now()

	if lim := s.limiter(org); lim != nil {
		rsv := lim.ReserveN(now, 1)
		if !rsv.OK() || rsv.DelayFrom(now) > 0 {
			rsv.CancelAt(now)
			used := int(math.Ceil(float64(lim.Burst()) - lim.TokensAt(now)))
			return s.reject(&schema.ExecutionQuotaExceededError{
				OrganizationID: org,
				Reason:         schema.QuotaReasonRate,
				Limit:          lim.Burst(),
				Current:        used,
				RatePerSecond:  q.RatePerSecond,
			})
		}
		defer func() {
			if err != nil {
				rsv.CancelAt(now)
			}
		}()
	}
	if q.MaxTasks > 0 && q.TaskWindow > 0 {
		used, err := s.store.CountSlotsSince(ctx, org, now.Add(-q.TaskWindow))
		if err != nil {
			return err
		}
		if used >= q.MaxTasks {
			return s.reject(&schema.ExecutionQuotaExceededError{
				OrganizationID: org, Reason: schema.QuotaReasonTaskBudget, Limit: q.MaxTasks, Current: used,
			})
		}
	}
	slot, err := s.store.AcquireSlot(ctx, org, jobID, q.MaxConcurrent, now)
	if err != nil {
		return err
	}
	if !slot.Acquired {
		return s.reject(&schema.ExecutionQuotaExceededError{
			OrganizationID: org, Reason: schema.QuotaReasonConcurrency, Limit: q.MaxConcurrent, Current: slot.Active,
		})
	}
	return nil
}

func (s *Service) reject(qe *schema.ExecutionQuotaExceededError) error {
	s.metrics.ObserveQuotaRejection(qe.Reason)
	s.logger.Info("enqueue rejected by quota", "organization_id", qe.OrganizationID, "reason", qe.Reason,
		"limit", qe.Limit, "current", qe.Current)
	return qe
}

func (s *Service) limiter(org string) *rate.Limiter {
	q := s.cfg.Quota
	if q.RatePerSecond <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[org]
	if !ok {
		burst := q.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(q.RatePerSecond), burst)
		s.limiters[org] = lim
	}
	return lim
}

func (s *Service) push(ctx context.Context, jobID, org string, p jobPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	now := s.now()
	return s.driver.Push(ctx, &schema.QueueJob{
		ID:          jobID,
		Queue:       s.cfg.Queue,
		Payload:     raw,
		MaxAttempts: s.cfg.MaxAttempts,
		GroupKey:    org,
		ReadyAt:     now,
		CreatedAt:   now,
	})
}

func (s *Service) releaseSlot(ctx context.Context, jobID string) {
	released, err := s.store.ReleaseSlot(context.WithoutCancel(ctx), jobID, s.now())
	if err != nil {
		s.logger.Warn("release tenant slot", "job_id", jobID, "error", err)
		return
	}
	if released {
		s.logger.Debug("tenant slot released", "job_id", jobID)
	}
}

// Process runs a claimed job against the runtime. Node failures are settled
// inside the execution and do not fail the job.
func (s *Service) Process(ctx context.Context, job *schema.QueueJob) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	ctx = logging.WithExecutionID(ctx, p.ExecutionID)
	logger := logging.LogWith(ctx, s.logger).With("job_id", job.ID, "attempt", job.Attempt)

	var res *engine.Result
	switch p.Kind {
	case jobKindRun:
		res, err = s.runner.Execute(ctx, engine.ExecuteRequest{ExecutionID: p.ExecutionID, Attempt: job.Attempt})
	case jobKindResume:
		var data any
		if len(p.Data) > 0 {
			if err := json.Unmarshal(p.Data, &data); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "decode resume data: %s", err.Error())
			}
		}
		res, err = s.runner.Resume(ctx, engine.ResumeRequest{
			ExecutionID: p.ExecutionID,
			NodeID:      p.NodeID,
			TokenHash:   p.TokenHash,
			Data:        data,
		})
		// A redelivered resume finds the execution already running or
		// settled; continue it from wherever it stands.
		if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
			logger.Info("resume already applied, continuing execution")
			res, err = s.runner.Execute(ctx, engine.ExecuteRequest{ExecutionID: p.ExecutionID, Attempt: job.Attempt})
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown job kind %q", p.Kind)
	}
	if err != nil {
		return err
	}
	logger.Info("job processed", "status", res.Status)
	if s.onResult != nil {
		s.onResult(ctx, res)
	}
	return nil
}

// Finished releases the job's tenant slot and, for a failed job, settles
// its execution so it does not stay running.
func (s *Service) Finished(ctx context.Context, job *schema.QueueJob, cause error) {
	defer s.releaseSlot(ctx, job.ID)
	if cause == nil {
		return
	}
	p, err := decodePayload(job)
	if err != nil {
		s.logger.Warn("finish job with unreadable payload", "job_id", job.ID, "error", err)
		return
	}
	if err := s.runner.Fail(ctx, p.ExecutionID, cause); err != nil {
		logging.LogWith(logging.WithExecutionID(ctx, p.ExecutionID), s.logger).
			Warn("settle failed execution", "job_id", job.ID, "error", err)
	}
}

func decodePayload(job *schema.QueueJob) (jobPayload, error) {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "decode job %s payload: %s", job.ID, err.Error())
	}
	if p.ExecutionID == "" {
		return p, schema.NewErrorf(schema.ErrCodeValidation, "job %s has no execution id", job.ID)
	}
	return p, nil
}

var _ Processor = (*Service)(nil)
