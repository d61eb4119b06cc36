package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/pkg/schema"
)

// App ids of the builtin connectors.
const (
	AppCore = "core"
	AppHTTP = "http"
)

// DefaultCallbackTTL is the resume window of core.wait_for_callback when the
// node does not set ttl_seconds.
const DefaultCallbackTTL = 24 * time.Hour

// BuiltinConfig configures RegisterBuiltins.
type BuiltinConfig struct {
	HTTP HTTPConfig
	JQ   *expressions.JQEngine
}

// RegisterBuiltins registers the core and http connectors and pollers.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	jq := cfg.JQ
	if jq == nil {
		jq = expressions.NewJQEngine()
	}
	httpClient := NewHTTPClient(cfg.HTTP)

	ops := []Operation{
		{
			Kind: schema.NodeKindTrigger, AppID: AppCore, OperationID: "manual",
			Description: "Starts a run with the caller-supplied payload.",
			Handler:     manualTrigger,
		},
		{
			Kind: schema.NodeKindTrigger, AppID: AppCore, OperationID: "poll",
			Description: "Starts a run with an item discovered by a polling trigger.",
			Handler:     manualTrigger,
		},
		{
			Kind: schema.NodeKindAction, AppID: AppCore, OperationID: "echo",
			Description: "Returns its parameters.",
			Handler:     echo,
		},
		{
			Kind: schema.NodeKindAction, AppID: AppCore, OperationID: "wait_for_callback",
			Description: "Parks the execution until an external callback redeems the resume token.",
			Handler:     waitForCallback,
		},
		{
			Kind: schema.NodeKindTransform, AppID: AppCore, OperationID: "jq",
			Description: "Runs a jq query over params.input.",
			InputSchema: json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"}}}`),
			Handler:     jqTransform(jq),
		},
		httpClient.Operation(),
	}
	for _, op := range ops {
		if err := reg.Register(op); err != nil {
			return err
		}
	}

	if err := reg.RegisterPoller(AppCore, "interval", intervalPoller); err != nil {
		return err
	}
	return reg.RegisterPoller(AppHTTP, "json_feed", jsonFeedPoller(httpClient, jq))
}

func manualTrigger(_ context.Context, inv Invocation) (*Result, error) {
	if inv.Trigger == nil {
		return Succeeded(map[string]any{}), nil
	}
	return Succeeded(inv.Trigger), nil
}

func echo(_ context.Context, inv Invocation) (*Result, error) {
	return Succeeded(inv.Params), nil
}

func waitForCallback(_ context.Context, inv Invocation) (*Result, error) {
	ttl := DefaultCallbackTTL
	if secs := intParam(inv.Params, "ttl_seconds", 0); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	state := map[string]any{}
	if s, ok := inv.Params["state"].(map[string]any); ok {
		state = s
	}
	return &Result{
		Success: true,
		Suspend: &Suspension{
			Reason:    stringParam(inv.Params, "reason", "wait_for_callback"),
			TTL:       ttl,
			State:     state,
			NotifyURL: stringParam(inv.Params, "notify_url", ""),
		},
	}, nil
}

func jqTransform(jq *expressions.JQEngine) Handler {
	return func(ctx context.Context, inv Invocation) (*Result, error) {
		query := stringParam(inv.Params, "query", "")
		out, err := jq.Run(ctx, query, inv.Params["input"])
		if err != nil {
			return nil, err
		}
		switch len(out) {
		case 0:
			return Succeeded(nil), nil
		case 1:
			return Succeeded(out[0]), nil
		default:
			return Succeeded(out), nil
		}
	}
}

// intervalPoller emits one item per poll, deduplicated by the poll's
// second so that a tick re-run after a crash is not dispatched twice.
func intervalPoller(_ context.Context, req PollRequest) (*PollResult, error) {
	tick := req.Now.UTC().Truncate(time.Second)
	return &PollResult{
		Items: []PollItem{{
			DedupeToken: strconv.FormatInt(tick.Unix(), 10),
			Payload:     map[string]any{"scheduled_at": tick.Format(time.RFC3339)},
		}},
	}, nil
}

// jsonFeedPoller GETs trigger.Config.url and extracts items with the jq
// query config.items (default ".items[]"). Each item's dedupe token is the
// value at config.id_field (default "id"). The cursor, when present, is sent
// as the "cursor" query parameter; config.cursor (a jq query over the
// response body) selects the next one.
func jsonFeedPoller(client *HTTPClient, jq *expressions.JQEngine) PollHandler {
	return func(ctx context.Context, req PollRequest) (*PollResult, error) {
		var cfg map[string]any
		if len(req.Trigger.Config) > 0 {
			if err := json.Unmarshal(req.Trigger.Config, &cfg); err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "json_feed: config is not an object").WithCause(err)
			}
		}
		params := map[string]any{"url": stringParam(cfg, "url", ""), "method": "GET"}
		if len(req.Cursor) > 0 {
			var cur any
			if err := json.Unmarshal(req.Cursor, &cur); err == nil && cur != nil {
				params["query"] = map[string]any{"cursor": cur}
			}
		}
		resp, err := client.Do(ctx, params, nil)
		if err != nil {
			return nil, err
		}
		if status, _ := resp["status_code"].(int); status >= 400 {
			return nil, schema.NewErrorf(schema.ErrCodeConnector, "json_feed: server returned %d", status)
		}

		items, err := jq.Run(ctx, stringParam(cfg, "items", ".items[]"), resp["body"])
		if err != nil {
			return nil, err
		}
		idField := stringParam(cfg, "id_field", "id")
		out := &PollResult{Items: make([]PollItem, 0, len(items))}
		for _, item := range items {
			m, _ := item.(map[string]any)
			id, ok := m[idField]
			if !ok || id == nil {
				continue
			}
			out.Items = append(out.Items, PollItem{DedupeToken: fmt.Sprintf("%v", id), Payload: item})
		}

		if q := stringParam(cfg, "cursor", ""); q != "" {
			next, err := jq.Run(ctx, q, resp["body"])
			if err != nil {
				return nil, err
			}
			if len(next) > 0 && next[0] != nil {
				raw, err := json.Marshal(next[0])
				if err != nil {
					return nil, schema.NewError(schema.ErrCodeConnector, "json_feed: cursor is not serialisable").WithCause(err)
				}
				out.Cursor = raw
			}
		}
		return out, nil
	}
}
