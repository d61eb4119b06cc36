package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/weave/internal/connectors"
	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/params"
	"github.com/rendis/weave/internal/resume"
	"github.com/rendis/weave/internal/store"
	"github.com/rendis/weave/pkg/schema"
)

func TestQueue_RunSuspendResumeThroughRuntime(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m := metrics.New(nil)

	reg := connectors.NewRegistry()
	require.NoError(t, connectors.RegisterBuiltins(reg, connectors.BuiltinConfig{}))
	tokens, err := resume.NewManager(s, resume.Config{Secret: []byte("0123456789abcdef0123456789abcdef")}, m)
	require.NoError(t, err)
	rt, err := engine.NewRuntime(engine.Deps{
		Store:    s,
		Log:      store.NewExecutionLog(s),
		Registry: reg,
		Resolver: params.NewResolver(expressions.NewEvaluator(), nil),
		Tokens:   tokens,
		Metrics:  m,
	}, engine.Config{CircuitBreaker: engine.DefaultCircuitBreakerConfig()})
	require.NoError(t, err)

	driver := NewMemoryDriver()
	svc := NewService(s, driver, rt, tokens, ServiceConfig{Queue: "q", Quota: QuotaConfig{MaxConcurrent: 2}}, m, nil)
	var mu sync.Mutex
	var issued []string
	svc.OnResult(func(_ context.Context, res *engine.Result) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range res.Waiting {
			if p.Token != "" {
				issued = append(issued, p.Token)
			}
		}
	})
	w := NewWorker(driver, svc, WorkerConfig{Queue: "q", Concurrency: 2, GroupConcurrency: 1, WorkerID: "w1"}, m, nil)

	graph := &schema.WorkflowGraph{
		ID: "wf-approval",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.NodeKindTrigger, AppID: "core", OperationID: "manual"},
			{ID: "approval", Kind: schema.NodeKindAction, AppID: "core", OperationID: "wait_for_callback"},
			{ID: "after", Kind: schema.NodeKindAction, AppID: "core", OperationID: "echo",
				Params: schema.Params{"approved": schema.ExprParam("nodes.approval.approved")}},
		},
		Edges: []schema.Edge{{From: "start", To: "approval"}, {From: "approval", To: "after"}},
	}
	out, err := svc.Enqueue(ctx, RunRequest{WorkflowID: graph.ID, OrganizationID: "org-1", Graph: graph, TriggerType: "manual"})
	require.NoError(t, err)

	claimed, err := w.Poll(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	w.Wait()

	rec, err := s.GetExecution(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusWaiting, rec.Status)
	require.Len(t, issued, 1)
	active, err := s.CountActiveSlots(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, active, "a waiting execution holds no worker slot")

	resumed, err := svc.EnqueueResume(ctx, ResumeRequest{Token: issued[0], Data: map[string]any{"approved": true}})
	require.NoError(t, err)
	assert.Equal(t, out.ExecutionID, resumed.ExecutionID)

	_, err = svc.EnqueueResume(ctx, ResumeRequest{Token: issued[0]})
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenAlreadyConsumed))

	claimed, err = w.Poll(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	w.Wait()

	rec, err = s.GetExecution(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, rec.Status)
	assert.JSONEq(t, `{"after":{"approved":true}}`, string(rec.FinalOutput))
	assert.Zero(t, driver.Len("q"))

	active, err = s.CountActiveSlots(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestQueue_DeadJobFailsExecution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	reg := connectors.NewRegistry()
	require.NoError(t, connectors.RegisterBuiltins(reg, connectors.BuiltinConfig{}))
	rt, err := engine.NewRuntime(engine.Deps{
		Store:    s,
		Log:      store.NewExecutionLog(s),
		Registry: reg,
		Resolver: params.NewResolver(expressions.NewEvaluator(), nil),
	}, engine.Config{})
	require.NoError(t, err)

	driver := NewMemoryDriver()
	svc := NewService(s, driver, rt, nil, ServiceConfig{Queue: "q", MaxAttempts: 1}, nil, nil)
	w, clock, _ := newTestWorker(t, driver, svc, WorkerConfig{})
	svc.now = clock.Now

	out, err := svc.Enqueue(ctx, RunRequest{OrganizationID: "org-1", Graph: simpleGraph()})
	require.NoError(t, err)

	// A worker that claims the job and dies.
	_, err = driver.Claim(ctx, "q", "crashed", t0.Add(time.Second), t0, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := w.Reclaim(ctx)
	require.NoError(t, err)
	require.Len(t, res.Dead, 1)

	rec, err := s.GetExecution(ctx, out.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, schema.ErrCodeLockLost, rec.Error.Code)

	active, err := s.CountActiveSlots(ctx, "org-1")
	require.NoError(t, err)
	assert.Zero(t, active)
}
