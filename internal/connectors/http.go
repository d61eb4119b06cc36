package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/pkg/schema"
)

// HTTPConfig configures the http connector.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client overrides the transport, mostly for tests.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string"},
    "url": {"type": "string"},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text"]},
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean"},
    "max_redirects": {"type": "integer"},
    "fail_on_error_status": {"type": "boolean"}
  },
  "required": ["url"]
}`

// HTTPClient performs the requests behind the http.request operation, the
// http poller and the sandbox fetch capability.
type HTTPClient struct {
	config HTTPConfig
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPClient{config: cfg}
}

// Operation returns the action/http/request registration.
func (c *HTTPClient) Operation() Operation {
	return Operation{
		Kind:        schema.NodeKindAction,
		AppID:       "http",
		OperationID: "request",
		Description: "Execute an HTTP request.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
		SideEffects: true,
		Handler:     c.handle,
	}
}

func (c *HTTPClient) handle(ctx context.Context, inv Invocation) (*Result, error) {
	resp, err := c.Do(ctx, inv.Params, inv.Credentials)
	if err != nil {
		return nil, err
	}
	status, _ := resp["status_code"].(int)
	if boolParam(inv.Params, "fail_on_error_status", false) && status >= 400 && status < 500 {
		return &Result{Data: resp, Error: fmt.Sprintf("http.request: server returned %d", status)}, nil
	}
	return Succeeded(resp), nil
}

// Do executes a request described by params. Credentials, when present,
// supply auth: "token" as a bearer token, or "username"/"password" for basic
// auth, or "header_name"/"header_value" for an API key header. A 5xx
// response is a CONNECTOR_ERROR so that node retry policies apply.
func (c *HTTPClient) Do(ctx context.Context, params, credentials map[string]any) (map[string]any, error) {
	if params == nil {
		params = map[string]any{}
	}
	rawURL := stringParam(params, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	if q, ok := params["query"].(map[string]any); ok {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = vals.Encode()
	}

	method := strings.ToUpper(stringParam(params, "method", "GET"))
	timeout := c.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := params["body"]; ok && rawBody != nil {
		switch stringParam(params, "body_encoding", "json") {
		case "form":
			if formData, ok := rawBody.(map[string]any); ok {
				vals := url.Values{}
				for k, v := range formData {
					vals.Set(k, fmt.Sprintf("%v", v))
				}
				bodyReader = strings.NewReader(vals.Encode())
				contentType = "application/x-www-form-urlencoded"
			}
		case "text":
			bodyReader = strings.NewReader(fmt.Sprintf("%v", rawBody))
			contentType = "text/plain"
		default:
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeValidation, "http.request: body is not JSON-serialisable").WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.request: failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}
	applyAuth(req, credentials)

	start := time.Now()
	resp, err := c.client(params).Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConnector, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConnector, "http.request: failed to read response body").WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	if len(bodyBytes) > 0 {
		parsedBody = string(bodyBytes)
		if strings.Contains(respContentType, "json") {
			var jsonBody any
			if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
				parsedBody = jsonBody
			}
		}
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      respHeaders,
		"body":         parsedBody,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}
	if resp.StatusCode >= 500 {
		return nil, schema.NewErrorf(schema.ErrCodeConnector, "http.request: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	return result, nil
}

func (c *HTTPClient) client(params map[string]any) *http.Client {
	base := c.config.Client
	if base == nil {
		base = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	client := *base
	if !boolParam(params, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return &client
}

func applyAuth(req *http.Request, credentials map[string]any) {
	if len(credentials) == 0 {
		return
	}
	if tok := revealed(credentials["token"]); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
		return
	}
	if user := revealed(credentials["username"]); user != "" {
		req.SetBasicAuth(user, revealed(credentials["password"]))
		return
	}
	if name := revealed(credentials["header_name"]); name != "" {
		req.Header.Set(name, revealed(credentials["header_value"]))
	}
}

// revealed unwraps a credential field at the point it is written to the wire.
func revealed(v any) string {
	switch s := v.(type) {
	case secrets.Secret:
		return s.Reveal()
	case string:
		return s
	}
	return ""
}

// Fetch returns the capability handed to sandboxed code. Requests use the
// same client and limits as http.request, but without credentials.
func (c *HTTPClient) Fetch(ctx context.Context) func(map[string]any) (map[string]any, error) {
	return func(req map[string]any) (map[string]any, error) {
		resp, err := c.Do(ctx, req, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"status":  resp["status_code"],
			"headers": resp["headers"],
			"body":    resp["body"],
		}, nil
	}
}
