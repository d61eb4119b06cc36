// Package engine walks workflow graphs: it orders nodes, resolves their
// parameters, dispatches them to connectors or the sandbox, and records
// every state transition.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/weave/internal/connectors"
	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/params"
	"github.com/rendis/weave/internal/resume"
	"github.com/rendis/weave/internal/sandbox"
	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

// Store is the persistence surface the Runtime needs.
type Store interface {
	store.ExecutionStore
	store.MarkerStore
}

// TokenIssuer issues resume tokens for suspended nodes.
// Satisfied by *resume.Manager.
type TokenIssuer interface {
	Issue(ctx context.Context, req resume.IssueRequest) (*resume.Issued, error)
}

// FetchProvider builds the fetch capability granted to sandboxed code.
type FetchProvider func(ctx context.Context) func(map[string]any) (map[string]any, error)

// Deps are the Runtime's collaborators. Store, Log, Registry and Resolver are
// required.
type Deps struct {
	Store       Store
	Log         Recorder
	Registry    *connectors.Registry
	Resolver    *params.Resolver
	Conditions  *expressions.CELEngine
	Sandbox     *sandbox.Executor
	Credentials secrets.CredentialService
	Tokens      TokenIssuer
	Fetch       FetchProvider
	Metrics     *metrics.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Config holds runtime tuning.
type Config struct {
	CircuitBreaker CircuitBreakerConfig
}

// ExecuteRequest starts or continues an execution that already exists in
// the store.
type ExecuteRequest struct {
	ExecutionID string
	// Attempt is the queue delivery attempt, zero on first delivery.
	Attempt int
}

// ResumeRequest re-enters a waiting execution at its parked node.
type ResumeRequest struct {
	ExecutionID string
	NodeID      string
	// TokenHash, when set, must match the parked node's wait metadata.
	TokenHash string
	// Data is merged into the parked node's output.
	Data any
}

// Parked describes a node left waiting by this invocation. Token is the raw
// resume token and is only present in the invocation that issued it.
type Parked struct {
	NodeID    string    `json:"node_id"`
	Token     string    `json:"token,omitempty"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
	NotifyURL string    `json:"notify_url,omitempty"`
}

// Result is the state an invocation left the execution in.
type Result struct {
	ExecutionID string                  `json:"execution_id"`
	Status      schema.ExecutionStatus  `json:"status"`
	FinalOutput json.RawMessage         `json:"final_output,omitempty"`
	Error       *schema.ExecutionError  `json:"error,omitempty"`
	Nodes       []*schema.NodeExecution `json:"nodes,omitempty"`
	Waiting     []Parked                `json:"waiting,omitempty"`
}

// Runtime executes workflow graphs one execution at a time per call. It is
// safe for concurrent use across executions.
type Runtime struct {
	store       Store
	registry    *connectors.Registry
	resolver    *params.Resolver
	conditions  *expressions.CELEngine
	sandbox     *sandbox.Executor
	credentials secrets.CredentialService
	tokens      TokenIssuer
	fetch       FetchProvider
	breakers    *CircuitBreakerRegistry
	execFSM     *ExecutionFSM
	nodeFSM     *NodeFSM
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger

	wait func(ctx context.Context, d time.Duration) error
	now  func() time.Time
}

// NewRuntime wires a Runtime.
func NewRuntime(deps Deps, cfg Config) (*Runtime, error) {
	if deps.Store == nil || deps.Log == nil || deps.Registry == nil || deps.Resolver == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runtime requires store, log, registry and resolver")
	}
	r := &Runtime{
		store:       deps.Store,
		registry:    deps.Registry,
		resolver:    deps.Resolver,
		conditions:  deps.Conditions,
		sandbox:     deps.Sandbox,
		credentials: deps.Credentials,
		tokens:      deps.Tokens,
		fetch:       deps.Fetch,
		breakers:    NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		execFSM:     NewExecutionFSM(deps.Log),
		nodeFSM:     NewNodeFSM(deps.Log),
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		wait:        WaitForBackoff,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = metrics.Tracer()
	}
	if r.sandbox == nil {
		r.sandbox = sandbox.NewExecutor(0, r.logger)
	}
	if r.conditions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		r.conditions = cel
	}
	return r, nil
}

// Breakers exposes the per-connector circuit breakers.
func (r *Runtime) Breakers() *CircuitBreakerRegistry { return r.breakers }

// Execute runs an execution from wherever it stands. A terminal or waiting
// execution is returned as-is, so queue redelivery is harmless. Node-level
// failures are reported in the Result; the error is reserved for store
// failures and INTERRUPTED.
func (r *Runtime) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	rec, err := r.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, rec.OrganizationID, rec.ID)
	logger := logging.LogWith(ctx, r.logger)

	switch rec.Status {
	case schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusWaiting:
		logger.Info("execution already settled", "status", rec.Status, "attempt", req.Attempt)
		return r.snapshot(ctx, rec)
	}

	ctx, span := metrics.StartExecution(ctx, r.tracer, rec.ID, rec.WorkflowID, rec.OrganizationID)
	defer span.End()

	dag, err := ParseGraph(&rec.Graph)
	if err != nil {
		// A malformed graph never runs any node.
		logger.Warn("graph rejected", "error", err)
		span.RecordError(err)
		code, msg := errorInfo(err)
		return r.finishFailed(ctx, rec, rec.Status, &schema.ExecutionError{Code: code, Message: msg})
	}

	if rec.Status == schema.ExecutionStatusQueued {
		if err := r.execFSM.Transition(ctx, rec.ID, schema.ExecutionStatusQueued, schema.ExecutionStatusRunning,
			map[string]any{"attempt": req.Attempt}); err != nil {
			return nil, err
		}
		now := r.now()
		if err := r.store.UpdateExecution(ctx, rec.ID, store.ExecutionUpdate{
			Status:       statusPtr(schema.ExecutionStatusRunning),
			ExpectStatus: statusPtr(schema.ExecutionStatusQueued),
			StartTime:    &now,
		}); err != nil {
			return nil, err
		}
		rec.Status = schema.ExecutionStatusRunning
		rec.StartTime = &now
		logger.Info("execution started", "workflow_id", rec.WorkflowID, "nodes", len(dag.Sorted))
	} else {
		logger.Info("execution redelivered, continuing", "attempt", req.Attempt)
	}

	res, err := r.run(ctx, rec, dag)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(string(res.Status))
	return res, nil
}

// Resume merges callback data into the parked node's output and continues
// the execution from there. The execution must be waiting and the node
// parked; anything else is INVALID_TRANSITION.
func (r *Runtime) Resume(ctx context.Context, req ResumeRequest) (*Result, error) {
	rec, err := r.store.GetExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, rec.OrganizationID, rec.ID)
	logger := logging.LogWith(ctx, r.logger)

	if rec.Status != schema.ExecutionStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s, not waiting", rec.ID, rec.Status)
	}
	ne, err := r.store.GetNodeExecution(ctx, rec.ID, req.NodeID)
	if err != nil {
		return nil, err
	}
	if ne.Status != schema.NodeStatusWaiting {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"node %s is %s, not waiting", req.NodeID, ne.Status).WithNode(req.NodeID)
	}
	if req.TokenHash != "" && (ne.WaitMetadata == nil || ne.WaitMetadata.TokenHash != req.TokenHash) {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"resume token does not belong to the parked node %s", req.NodeID).WithNode(req.NodeID)
	}
	dag, err := ParseGraph(&rec.Graph)
	if err != nil {
		return nil, err
	}

	ctx, span := metrics.StartExecution(ctx, r.tracer, rec.ID, rec.WorkflowID, rec.OrganizationID)
	defer span.End()

	if err := r.execFSM.Transition(ctx, rec.ID, schema.ExecutionStatusWaiting, schema.ExecutionStatusRunning,
		map[string]any{"node_id": req.NodeID}); err != nil {
		return nil, err
	}
	if err := r.store.UpdateExecution(ctx, rec.ID, store.ExecutionUpdate{
		Status:       statusPtr(schema.ExecutionStatusRunning),
		ExpectStatus: statusPtr(schema.ExecutionStatusWaiting),
	}); err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatusRunning

	merged, err := mergeOutput(ne.Output, req.Data)
	if err != nil {
		return nil, err
	}
	if err := r.store.CommitNodeMarker(ctx, rec.ID, ne.NodeID, merged); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, err
	}
	if err := r.nodeFSM.Transition(ctx, rec.ID, ne.NodeID, schema.NodeStatusWaiting, schema.NodeStatusSucceeded,
		map[string]any{"resumed": true}); err != nil {
		return nil, err
	}
	completed := r.now()
	ne.Status = schema.NodeStatusSucceeded
	ne.Output = merged
	ne.CompletedAt = &completed
	if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
		return nil, err
	}
	logger.Info("execution resumed", "node_id", ne.NodeID)

	res, err := r.run(ctx, rec, dag)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetStatus(string(res.Status))
	return res, nil
}

// run is the DAG walk shared by Execute and Resume.
type run struct {
	rec      *store.ExecutionRecord
	dag      *DAG
	states   map[string]*schema.NodeExecution
	builder  *expressions.ContextBuilder
	parked   []Parked
	firstErr *schema.ExecutionError
}

func (r *Runtime) run(ctx context.Context, rec *store.ExecutionRecord, dag *DAG) (*Result, error) {
	existing, err := r.store.ListNodeExecutions(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	var trigger any
	if len(rec.TriggerPayload) > 0 {
		if err := json.Unmarshal(rec.TriggerPayload, &trigger); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode trigger payload: %s", err.Error())
		}
	}

	st := &run{
		rec:    rec,
		dag:    dag,
		states: make(map[string]*schema.NodeExecution, len(dag.Sorted)),
		builder: expressions.NewContextBuilder(expressions.EvalContext{
			Trigger:        trigger,
			WorkflowID:     rec.WorkflowID,
			ExecutionID:    rec.ID,
			UserID:         rec.UserID,
			OrganizationID: rec.OrganizationID,
		}),
	}
	for _, ne := range existing {
		st.states[ne.NodeID] = ne
		if ne.Status == schema.NodeStatusSucceeded {
			if err := st.builder.AddNodeOutput(ne.NodeID, ne.Output); err != nil {
				return nil, err
			}
		}
	}

	for _, id := range dag.Sorted {
		if err := ctx.Err(); err != nil {
			return nil, r.interrupted(ctx, rec.ID, err)
		}
		ne, ok := st.states[id]
		if !ok {
			ne = &schema.NodeExecution{
				ExecutionID: rec.ID,
				NodeID:      id,
				Status:      schema.NodeStatusPending,
				MaxAttempts: MaxAttempts(dag.Nodes[id].Retry),
			}
			st.states[id] = ne
		}

		switch ne.Status {
		case schema.NodeStatusSucceeded, schema.NodeStatusSkipped:
			continue
		case schema.NodeStatusFailed:
			st.noteFailure(ne)
			continue
		case schema.NodeStatusWaiting:
			st.parked = append(st.parked, parkedFrom(ne))
			continue
		}

		switch st.readiness(id) {
		case depsBlocked:
			if err := r.skipNode(ctx, st, ne, "upstream did not succeed"); err != nil {
				return nil, err
			}
			continue
		case depsDeferred:
			continue
		}

		if err := r.runNode(ctx, st, dag.Nodes[id], ne); err != nil {
			return nil, err
		}
	}

	switch {
	case len(st.parked) > 0:
		return r.finishWaiting(ctx, st)
	case st.firstErr != nil:
		return r.finishFailed(ctx, rec, schema.ExecutionStatusRunning, st.firstErr, st.ordered()...)
	default:
		return r.finishCompleted(ctx, st)
	}
}

type readiness int

const (
	depsReady readiness = iota
	depsDeferred
	depsBlocked
)

// readiness: a node runs only when every upstream node succeeded. Any failed
// or skipped upstream skips it; an upstream that is still waiting defers it.
func (st *run) readiness(id string) readiness {
	deferred := false
	for _, dep := range st.dag.Deps[id] {
		switch st.states[dep].Status {
		case schema.NodeStatusSucceeded:
		case schema.NodeStatusFailed, schema.NodeStatusSkipped:
			return depsBlocked
		default:
			deferred = true
		}
	}
	if deferred {
		return depsDeferred
	}
	return depsReady
}

func (st *run) noteFailure(ne *schema.NodeExecution) {
	if st.firstErr != nil {
		return
	}
	if ne.Error != nil {
		e := *ne.Error
		e.NodeID = ne.NodeID
		st.firstErr = &e
		return
	}
	st.firstErr = &schema.ExecutionError{NodeID: ne.NodeID, Code: schema.ErrCodeConnector, Message: "node failed"}
}

func (st *run) ordered() []*schema.NodeExecution {
	out := make([]*schema.NodeExecution, 0, len(st.states))
	for _, id := range st.dag.Sorted {
		if ne, ok := st.states[id]; ok {
			out = append(out, ne)
		}
	}
	return out
}

func (r *Runtime) finishWaiting(ctx context.Context, st *run) (*Result, error) {
	parked := make([]string, 0, len(st.parked))
	for _, p := range st.parked {
		parked = append(parked, p.NodeID)
	}
	if err := r.execFSM.Transition(ctx, st.rec.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusWaiting,
		map[string]any{"nodes": parked}); err != nil {
		return nil, err
	}
	if err := r.store.UpdateExecution(ctx, st.rec.ID, store.ExecutionUpdate{
		Status:       statusPtr(schema.ExecutionStatusWaiting),
		ExpectStatus: statusPtr(schema.ExecutionStatusRunning),
	}); err != nil {
		return nil, err
	}
	r.metrics.ObserveExecution(string(schema.ExecutionStatusWaiting))
	logging.LogWith(ctx, r.logger).Info("execution waiting", "nodes", parked)
	return &Result{
		ExecutionID: st.rec.ID,
		Status:      schema.ExecutionStatusWaiting,
		Nodes:       st.ordered(),
		Waiting:     st.parked,
	}, nil
}

func (r *Runtime) finishFailed(ctx context.Context, rec *store.ExecutionRecord, from schema.ExecutionStatus, execErr *schema.ExecutionError, nodes ...*schema.NodeExecution) (*Result, error) {
	if err := r.execFSM.Transition(ctx, rec.ID, from, schema.ExecutionStatusFailed, execErr); err != nil {
		return nil, err
	}
	end := r.now()
	if err := r.store.UpdateExecution(ctx, rec.ID, store.ExecutionUpdate{
		Status:       statusPtr(schema.ExecutionStatusFailed),
		ExpectStatus: statusPtr(from),
		EndTime:      &end,
		Error:        execErr,
	}); err != nil {
		return nil, err
	}
	r.metrics.ObserveExecution(string(schema.ExecutionStatusFailed))
	logging.LogWith(ctx, r.logger).Warn("execution failed", "node_id", execErr.NodeID, "code", execErr.Code)
	return &Result{
		ExecutionID: rec.ID,
		Status:      schema.ExecutionStatusFailed,
		Error:       execErr,
		Nodes:       nodes,
	}, nil
}

func (r *Runtime) finishCompleted(ctx context.Context, st *run) (*Result, error) {
	final := make(map[string]json.RawMessage, len(st.dag.Terminals))
	for _, id := range st.dag.Terminals {
		if ne := st.states[id]; ne != nil && ne.Status == schema.NodeStatusSucceeded {
			final[id] = ne.Output
		}
	}
	out, err := json.Marshal(final)
	if err != nil {
		return nil, err
	}
	if err := r.execFSM.Transition(ctx, st.rec.ID, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, nil); err != nil {
		return nil, err
	}
	end := r.now()
	if err := r.store.UpdateExecution(ctx, st.rec.ID, store.ExecutionUpdate{
		Status:       statusPtr(schema.ExecutionStatusCompleted),
		ExpectStatus: statusPtr(schema.ExecutionStatusRunning),
		EndTime:      &end,
		FinalOutput:  out,
		ClearError:   true,
	}); err != nil {
		return nil, err
	}
	r.metrics.ObserveExecution(string(schema.ExecutionStatusCompleted))
	logging.LogWith(ctx, r.logger).Info("execution completed")
	return &Result{
		ExecutionID: st.rec.ID,
		Status:      schema.ExecutionStatusCompleted,
		FinalOutput: out,
		Nodes:       st.ordered(),
	}, nil
}

// snapshot reports a settled execution without touching it.
func (r *Runtime) snapshot(ctx context.Context, rec *store.ExecutionRecord) (*Result, error) {
	nodes, err := r.store.ListNodeExecutions(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		ExecutionID: rec.ID,
		Status:      rec.Status,
		FinalOutput: rec.FinalOutput,
		Error:       rec.Error,
		Nodes:       nodes,
	}
	for _, ne := range nodes {
		if ne.Status == schema.NodeStatusWaiting {
			res.Waiting = append(res.Waiting, parkedFrom(ne))
		}
	}
	return res, nil
}

// Fail settles a queued or running execution as failed with cause, for
// executions whose job the queue gave up on. Any other status is left alone.
func (r *Runtime) Fail(ctx context.Context, executionID string, cause error) error {
	rec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, rec.OrganizationID, rec.ID)
	switch rec.Status {
	case schema.ExecutionStatusQueued, schema.ExecutionStatusRunning:
	default:
		logging.LogWith(ctx, r.logger).Info("fail skipped, execution settled", "status", rec.Status)
		return nil
	}
	code, msg := errorInfo(cause)
	_, err = r.finishFailed(ctx, rec, rec.Status, &schema.ExecutionError{Code: code, Message: msg})
	return err
}

// interrupted records the interruption and leaves the execution running so
// the queue can redeliver it.
func (r *Runtime) interrupted(ctx context.Context, executionID string, cause error) error {
	if err := r.execFSM.Interrupted(context.WithoutCancel(ctx), executionID, cause.Error()); err != nil {
		logging.LogWith(ctx, r.logger).Warn("record interruption", "error", err)
	}
	logging.LogWith(ctx, r.logger).Warn("execution interrupted", "error", cause)
	return schema.NewError(schema.ErrCodeInterrupted, "execution interrupted").WithCause(cause)
}

func parkedFrom(ne *schema.NodeExecution) Parked {
	p := Parked{NodeID: ne.NodeID}
	if ne.WaitMetadata != nil {
		p.TokenHash = ne.WaitMetadata.TokenHash
		p.ExpiresAt = ne.WaitMetadata.ExpiresAt
		p.Reason = ne.WaitMetadata.Reason
	}
	return p
}

// mergeOutput overlays callback data on the parked node's output. Two
// objects merge key by key; anything else replaces the output.
func mergeOutput(prev json.RawMessage, data any) (json.RawMessage, error) {
	if data == nil {
		if len(prev) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return prev, nil
	}
	incoming, ok := data.(map[string]any)
	if !ok {
		return json.Marshal(data)
	}
	base := map[string]any{}
	if len(prev) > 0 {
		var decoded any
		if err := json.Unmarshal(prev, &decoded); err == nil {
			if m, ok := decoded.(map[string]any); ok {
				base = m
			}
		}
	}
	for k, v := range incoming {
		base[k] = v
	}
	return json.Marshal(base)
}

func statusPtr(s schema.ExecutionStatus) *schema.ExecutionStatus { return &s }
