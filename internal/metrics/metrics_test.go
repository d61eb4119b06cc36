package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveJob("q", "completed", time.Second)
		m.JobStarted()
		m.JobFinished()
		m.LeaseLostInc()
		m.ObserveNode("action", "completed", time.Millisecond)
		m.ObserveExecution("completed")
		m.ObservePoll("rss", "success")
		m.ObservePolledItems("enqueued", 3)
		m.ObserveCycle("ok")
		m.ObserveQuotaRejection("concurrency")
		m.ObserveRedemption("redeemed")
	})
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveJob("executions", "completed", 250*time.Millisecond)
	m.ObservePoll("rss", "success")
	m.ObserveQuotaRejection("rate")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "weave_queue_jobs_processed_total")
	assert.Contains(t, names, "weave_polling_outcomes_total")
	assert.Contains(t, names, "weave_quota_rejections_total")

	// A second registration on the same registry collides.
	assert.Panics(t, func() { New(reg) })
}

func TestCounters(t *testing.T) {
	m := New(nil)

	m.ObserveJob("executions", "completed", time.Second)
	m.ObserveJob("executions", "completed", time.Second)
	m.ObserveJob("executions", "failed", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("executions", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("executions", "failed")))

	m.JobStarted()
	m.JobStarted()
	m.JobFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsInFlight))

	m.ObservePolledItems("duplicate", 4)
	m.ObservePolledItems("duplicate", 0)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PolledItems.WithLabelValues("duplicate")))

	m.ObserveCycle("skipped")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerCycles.WithLabelValues("skipped")))
}

func TestCollectAndCompare(t *testing.T) {
	m := New(nil)
	m.ObserveQuotaRejection("concurrency")
	m.ObserveQuotaRejection("concurrency")
	m.ObserveQuotaRejection("task_budget")

	expected := `
# HELP weave_quota_rejections_total Enqueue requests rejected by tenant quota
# TYPE weave_quota_rejections_total counter
weave_quota_rejections_total{reason="concurrency"} 2
weave_quota_rejections_total{reason="task_budget"} 1
`
	assert.NoError(t, testutil.CollectAndCompare(m.QuotaRejections, strings.NewReader(expected)))
}

func TestSpans_NoopTracer(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer(TracerName)

	ctx, exec := StartExecution(context.Background(), tracer, "exec-1", "wf-1", "org-1")
	_, node := StartNode(ctx, tracer, "n1", "action", "core.echo")
	assert.NotPanics(t, func() {
		node.SetAttempt(2)
		node.SetStatus("failed")
		node.RecordError(errors.New("boom"))
		node.End()
		exec.SetStatus("failed")
		exec.End()
	})

	var nilSpan *Span
	assert.NotPanics(t, func() {
		nilSpan.SetStatus("x")
		nilSpan.RecordError(errors.New("x"))
		nilSpan.End()
	})
	assert.NotNil(t, Tracer())
}
