package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/weave/internal/engine"
	"github.com/rendis/weave/internal/logging"
)

// RequestFunc performs one HTTP request described the way the http.request
// connector takes it. Satisfied by (*connectors.HTTPClient).Do with nil
// credentials.
type RequestFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// CallbackNotifier delivers the raw resume token of every parked node. The
// target is the node's notify_url, else the configured default. Tokens with
// no target are dropped with an error log, since nothing else holds them.
type CallbackNotifier struct {
	do         RequestFunc
	defaultURL string
	timeout    time.Duration
	logger     *slog.Logger
}

// NewCallbackNotifier creates a notifier. defaultURL may be empty.
func NewCallbackNotifier(do RequestFunc, defaultURL string, logger *slog.Logger) *CallbackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackNotifier{do: do, defaultURL: defaultURL, timeout: 10 * time.Second, logger: logger}
}

// Hook returns the ResultHook to install with Service.OnResult.
func (n *CallbackNotifier) Hook() ResultHook {
	return func(ctx context.Context, res *engine.Result) {
		if res == nil {
			return
		}
		for _, p := range res.Waiting {
			if p.Token == "" {
				continue
			}
			log := logging.LogWith(ctx, n.logger).With("execution_id", res.ExecutionID, "node_id", p.NodeID)
			if err := n.deliver(ctx, res.ExecutionID, p); err != nil {
				log.Error("resume token not delivered", "error", err)
				continue
			}
			log.Info("resume token delivered")
		}
	}
}

func (n *CallbackNotifier) deliver(ctx context.Context, executionID string, p engine.Parked) error {
	target := p.NotifyURL
	if target == "" {
		target = n.defaultURL
	}
	if target == "" {
		return errors.New("no notify_url on node and no default configured")
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	resp, err := n.do(ctx, map[string]any{
		"method":  "POST",
		"url":     target,
		"timeout": n.timeout.String(),
		"body": map[string]any{
			"execution_id": executionID,
			"node_id":      p.NodeID,
			"token":        p.Token,
			"expires_at":   p.ExpiresAt.UTC().Format(time.RFC3339),
			"reason":       p.Reason,
		},
	})
	if err != nil {
		return err
	}
	if code, _ := resp["status_code"].(int); code >= 300 {
		return fmt.Errorf("notify %s: status %d", target, code)
	}
	return nil
}
