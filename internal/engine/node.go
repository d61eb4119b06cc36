package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/weave/internal/connectors"
	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/metrics"
	"github.com/rendis/weave/internal/resume"
	"github.com/rendis/weave/internal/sandbox"
	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/pkg/schema"
)

// outcome is the result of one node attempt.
type outcome struct {
	data    any
	suspend *connectors.Suspension
	// breaker is the circuit key of the connector that produced the outcome.
	breaker string
}

// runNode drives one node from pending (or running, on redelivery) to a
// settled or waiting status. Only store failures and interruption are
// returned; node failures are recorded on the run.
func (r *Runtime) runNode(ctx context.Context, st *run, node *schema.Node, ne *schema.NodeExecution) error {
	ctx = logging.WithNodeID(ctx, node.ID)
	logger := logging.LogWith(ctx, r.logger)
	rec := st.rec
	started := time.Now()

	ctx, span := metrics.StartNode(ctx, r.tracer, node.ID, string(node.Kind), node.AppID+"."+node.OperationID)
	defer span.End()

	// A committed marker means a previous delivery finished this node's side
	// effects; reuse its output.
	if marker, err := r.store.GetNodeMarker(ctx, rec.ID, node.ID); err == nil && marker.Committed() {
		if err := r.nodeFSM.Replayed(ctx, rec.ID, node.ID, map[string]any{"attempt": marker.Attempt}); err != nil {
			return err
		}
		return r.succeed(ctx, st, ne, marker.Output, false)
	} else if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		return err
	}

	ec := st.builder.Build()
	ok, err := r.conditions.EvaluateCondition(ctx, node.Condition, ec)
	if err != nil {
		return r.fail(ctx, st, ne, err, span)
	}
	if !ok {
		return r.skipNode(ctx, st, ne, "condition is false")
	}

	from := ne.Status
	now := r.now()
	ne.Status = schema.NodeStatusRunning
	ne.StartedAt = &now
	ne.MaxAttempts = MaxAttempts(node.Retry)
	if err := r.nodeFSM.Transition(ctx, rec.ID, node.ID, from, schema.NodeStatusRunning,
		map[string]any{"attempt": ne.Attempt}); err != nil {
		return err
	}
	if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}

	resolved, err := r.resolver.ResolveAll(node.Params, ec)
	if err != nil {
		return r.fail(ctx, st, ne, err, span)
	}

	redactor := secrets.NewRedactor()
	creds, err := r.openCredentials(ctx, node, redactor)
	if err != nil {
		return r.fail(ctx, st, ne, err, span)
	}

	input, err := json.Marshal(redactor.Value(resolved))
	if err != nil {
		return r.fail(ctx, st, ne, schema.NewErrorf(schema.ErrCodeValidation, "encode node input: %s", err.Error()), span)
	}
	ne.Input = input

	for {
		attempt := ne.Attempt
		ne.Attempt++
		if _, err := r.store.BeginNodeMarker(ctx, rec.ID, node.ID, attempt); err != nil {
			return err
		}

		out, invokeErr := r.invoke(ctx, st, node, ne, resolved, creds, attempt)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return r.interrupted(ctx, rec.ID, ctxErr)
		}
		if out.breaker != "" {
			if invokeErr != nil && schema.HasCode(invokeErr, schema.ErrCodeConnector) {
				if r.breakers.RecordFailure(out.breaker) == CircuitOpen {
					logger.Warn("circuit opened", "connector", out.breaker)
				}
			} else if invokeErr == nil {
				r.breakers.RecordSuccess(out.breaker)
			}
		}

		if invokeErr == nil {
			span.SetAttempt(ne.Attempt)
			if out.suspend != nil {
				return r.park(ctx, st, node, ne, redactor.Value(out.data), resolved, out.suspend)
			}
			data, err := json.Marshal(redactor.Value(out.data))
			if err != nil {
				return r.fail(ctx, st, ne, schema.NewErrorf(schema.ErrCodeConnector, "encode node output: %s", err.Error()), span)
			}
			if err := r.store.CommitNodeMarker(ctx, rec.ID, node.ID, data); err != nil {
				return err
			}
			r.metrics.ObserveNode(string(node.Kind), string(schema.NodeStatusSucceeded), time.Since(started))
			return r.succeed(ctx, st, ne, data, true)
		}

		invokeErr = redactor.Error(invokeErr)
		code, msg := errorInfo(invokeErr)
		retryable := IsRetryableError(invokeErr) && ne.Attempt < ne.MaxAttempts
		var delay time.Duration
		if retryable {
			delay = ComputeBackoff(node.Retry, attempt)
		}
		ne.RetryHistory = append(ne.RetryHistory, schema.RetryRecord{
			Attempt: attempt,
			Error:   msg,
			Code:    code,
			At:      r.now(),
			DelayMs: delay.Milliseconds(),
		})

		if !retryable {
			if ne.MaxAttempts > 1 && ne.Attempt >= ne.MaxAttempts && IsRetryableError(invokeErr) {
				invokeErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"retries exhausted after %d attempts: %s", ne.Attempt, msg).
					WithNode(node.ID).
					WithDetails(map[string]any{"last_code": code})
			}
			r.metrics.ObserveNode(string(node.Kind), string(schema.NodeStatusFailed), time.Since(started))
			return r.fail(ctx, st, ne, invokeErr, span)
		}

		logger.Info("retrying node", "attempt", ne.Attempt, "delay", delay, "code", code)
		if err := r.nodeFSM.Transition(ctx, rec.ID, node.ID, schema.NodeStatusRunning, schema.NodeStatusRunning,
			map[string]any{"attempt": ne.Attempt, "delay_ms": delay.Milliseconds(), "error": msg}); err != nil {
			return err
		}
		if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
			return err
		}
		if err := r.wait(ctx, delay); err != nil {
			return r.interrupted(ctx, rec.ID, err)
		}
	}
}

// invoke runs one attempt: sandboxed code when the node carries it,
// otherwise the registered connector.
func (r *Runtime) invoke(ctx context.Context, st *run, node *schema.Node, ne *schema.NodeExecution, resolved, creds map[string]any, attempt int) (outcome, error) {
	rec := st.rec
	dryRun := rec.Mode == schema.ExecutionModeDryRun

	if node.RuntimeCode != nil {
		req := sandbox.RunRequest{
			Code:       node.RuntimeCode.Code,
			EntryPoint: node.RuntimeCode.EntryPoint,
			Params:     resolved,
			Context:    st.builder.Build().Env(),
			Secrets:    secretFields(creds),
			Timeout:    time.Duration(node.RuntimeCode.TimeoutMs) * time.Millisecond,
		}
		if r.fetch != nil && !dryRun {
			req.Fetch = r.fetch(ctx)
		}
		res, err := r.sandbox.Run(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		return outcome{data: res.Value}, nil
	}

	op, err := r.registry.Lookup(node.Kind, node.AppID, node.OperationID)
	if err != nil {
		return outcome{}, err
	}
	key := string(op.Kind) + "/" + op.AppID + "/" + op.OperationID
	if dryRun && op.SideEffects {
		return outcome{data: map[string]any{"dry_run": true, "params": resolved}}, nil
	}
	if err := r.breakers.AllowRequest(key); err != nil {
		return outcome{}, err
	}

	res, err := op.Handler(ctx, connectors.Invocation{
		ExecutionID:    rec.ID,
		WorkflowID:     rec.WorkflowID,
		OrganizationID: rec.OrganizationID,
		NodeID:         node.ID,
		Attempt:        attempt,
		Mode:           rec.Mode,
		Params:         resolved,
		Credentials:    creds,
		Trigger:        st.builder.Build().Trigger,
	})
	out := outcome{breaker: key}
	switch {
	case err != nil:
		var we *schema.WeaveError
		if errors.As(err, &we) {
			return out, err
		}
		return out, schema.NewErrorf(schema.ErrCodeConnector, "%s failed: %s", key, err.Error()).WithCause(err)
	case res == nil:
		return out, schema.NewErrorf(schema.ErrCodeConnector, "%s returned no result", key)
	case !res.Success:
		msg := res.Error
		if msg == "" {
			msg = "connector reported failure"
		}
		return out, schema.NewError(schema.ErrCodeConnector, msg).WithDetails(map[string]any{"connector": key})
	}
	out.data = res.Data
	out.suspend = res.Suspend
	return out, nil
}

func (r *Runtime) openCredentials(ctx context.Context, node *schema.Node, redactor *secrets.Redactor) (map[string]any, error) {
	if node.CredentialRef == nil {
		return nil, nil
	}
	if r.credentials == nil {
		return nil, schema.NewError(schema.ErrCodeCredential, "no credential service configured")
	}
	fields, found, err := secrets.OpenCredential(ctx, r.credentials, node.CredentialRef)
	if err != nil {
		var we *schema.WeaveError
		if errors.As(err, &we) {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeCredential, "open credential: %s", err.Error()).WithCause(err)
	}
	redactor.Add(found...)
	return fields, nil
}

// park issues a resume token and leaves the node waiting.
func (r *Runtime) park(ctx context.Context, st *run, node *schema.Node, ne *schema.NodeExecution, data any, resolved map[string]any, s *connectors.Suspension) error {
	if r.tokens == nil {
		return r.fail(ctx, st, ne, schema.NewError(schema.ErrCodeConnector, "node requested suspension but no resume token issuer is configured"), nil)
	}
	output, err := json.Marshal(data)
	if err != nil {
		return r.fail(ctx, st, ne, schema.NewErrorf(schema.ErrCodeConnector, "encode node output: %s", err.Error()), nil)
	}
	issued, err := r.tokens.Issue(ctx, resume.IssueRequest{
		ExecutionID:    st.rec.ID,
		WorkflowID:     st.rec.WorkflowID,
		OrganizationID: st.rec.OrganizationID,
		NodeID:         node.ID,
		ResumeState:    s.State,
		InitialData:    resolved,
		TTL:            s.TTL,
	})
	if err != nil {
		return err
	}
	ne.Status = schema.NodeStatusWaiting
	if string(output) != "null" {
		ne.Output = output
	}
	ne.WaitMetadata = &schema.WaitMetadata{
		TokenHash: issued.TokenHash,
		ExpiresAt: issued.ExpiresAt,
		Reason:    s.Reason,
	}
	if err := r.nodeFSM.Transition(ctx, st.rec.ID, node.ID, schema.NodeStatusRunning, schema.NodeStatusWaiting,
		ne.WaitMetadata); err != nil {
		return err
	}
	if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	p := parkedFrom(ne)
	p.Token = issued.Token
	p.NotifyURL = s.NotifyURL
	st.parked = append(st.parked, p)
	logging.LogWith(ctx, r.logger).Info("node waiting for callback", "reason", s.Reason, "expires_at", issued.ExpiresAt)
	return nil
}

// succeed records a succeeded node. transition is false when the status
// change was already recorded as a replay.
func (r *Runtime) succeed(ctx context.Context, st *run, ne *schema.NodeExecution, output json.RawMessage, transition bool) error {
	if transition {
		if err := r.nodeFSM.Transition(ctx, st.rec.ID, ne.NodeID, ne.Status, schema.NodeStatusSucceeded, nil); err != nil {
			return err
		}
	}
	now := r.now()
	ne.Status = schema.NodeStatusSucceeded
	ne.Output = output
	ne.Error = nil
	ne.CompletedAt = &now
	if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	return st.builder.AddNodeOutput(ne.NodeID, output)
}

// fail records a failed node. err must already be redacted.
func (r *Runtime) fail(ctx context.Context, st *run, ne *schema.NodeExecution, err error, span *metrics.Span) error {
	code, msg := errorInfo(err)
	from := ne.Status
	if from == schema.NodeStatusPending {
		// Failures before the node started (condition errors) still pass
		// through running so the history shows the attempt.
		if terr := r.nodeFSM.Transition(ctx, st.rec.ID, ne.NodeID, from, schema.NodeStatusRunning, nil); terr != nil {
			return terr
		}
		from = schema.NodeStatusRunning
	}
	now := r.now()
	ne.Status = schema.NodeStatusFailed
	ne.Error = &schema.ExecutionError{NodeID: ne.NodeID, Code: code, Message: msg}
	ne.CompletedAt = &now
	if terr := r.nodeFSM.Transition(ctx, st.rec.ID, ne.NodeID, from, schema.NodeStatusFailed, ne.Error); terr != nil {
		return terr
	}
	if serr := r.store.UpsertNodeExecution(ctx, ne); serr != nil {
		return serr
	}
	span.RecordError(err)
	logging.LogWith(ctx, r.logger).Warn("node failed", "code", code, "error", msg, "attempts", ne.Attempt)
	st.noteFailure(ne)
	return nil
}

func (r *Runtime) skipNode(ctx context.Context, st *run, ne *schema.NodeExecution, reason string) error {
	if err := r.nodeFSM.Transition(ctx, st.rec.ID, ne.NodeID, ne.Status, schema.NodeStatusSkipped,
		map[string]any{"reason": reason}); err != nil {
		return err
	}
	now := r.now()
	ne.Status = schema.NodeStatusSkipped
	ne.CompletedAt = &now
	if err := r.store.UpsertNodeExecution(ctx, ne); err != nil {
		return err
	}
	r.metrics.ObserveNode(string(st.dag.Nodes[ne.NodeID].Kind), string(schema.NodeStatusSkipped), 0)
	return nil
}

// errorInfo extracts the code and user-visible message of a node failure.
func errorInfo(err error) (string, string) {
	var we *schema.WeaveError
	if errors.As(err, &we) {
		return we.Code, we.Message
	}
	var ee *schema.ExpressionError
	if errors.As(err, &ee) {
		return schema.ErrCodeExpression, ee.Error()
	}
	var qe *schema.ExecutionQuotaExceededError
	if errors.As(err, &qe) {
		return schema.ErrCodeQuotaExceeded, qe.Error()
	}
	return schema.ErrCodeConnector, err.Error()
}

func secretFields(creds map[string]any) map[string]secrets.Secret {
	if len(creds) == 0 {
		return nil
	}
	out := make(map[string]secrets.Secret, len(creds))
	for k, v := range creds {
		if s, ok := v.(secrets.Secret); ok {
			out[k] = s
		}
	}
	return out
}
