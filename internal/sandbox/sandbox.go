// Package sandbox runs untrusted per-node Go code in an isolated yaegi
// interpreter.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"

	"github.com/rendis/weave/internal/logging"
	"github.com/rendis/weave/internal/secrets"
	"github.com/rendis/weave/pkg/schema"
)

const (
	// DefaultEntryPoint is called when a request names none.
	DefaultEntryPoint = "Run"
	// DefaultTimeout bounds a run when neither the request nor the executor
	// configures one.
	DefaultTimeout = 10 * time.Second

	// ImportsNotAllowed is the message for code that declares imports.
	ImportsNotAllowed = "imports are not allowed"
)

// FetchFunc is the only host capability sandboxed code can be granted. It
// takes a request {method, url, headers, body} and returns {status, headers,
// body}.
type FetchFunc func(req map[string]any) (map[string]any, error)

// RunRequest describes one sandboxed invocation. The entry point takes one
// to three arguments:
//
//	func Run(params map[string]any) (any, error)
//	func Run(params, ctx map[string]any) (any, error)
//	func Run(params, ctx map[string]any, fetch func(map[string]any) (map[string]any, error)) (any, error)
//
// The error result is optional.
type RunRequest struct {
	Code       string
	EntryPoint string
	Params     map[string]any
	Context    map[string]any
	// Secrets are revealed to the code under ctx["secrets"] and redacted
	// from whatever crosses back out.
	Secrets map[string]secrets.Secret
	Timeout time.Duration
	Fetch   FetchFunc
}

// RunResult is a successful run's output.
type RunResult struct {
	Value    any
	Duration time.Duration
}

// Executor runs sandboxed code. It is safe for concurrent use; each run gets
// a fresh interpreter.
type Executor struct {
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecutor creates an Executor. A zero defaultTimeout means DefaultTimeout.
func NewExecutor(defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{defaultTimeout: defaultTimeout, logger: logger}
}

// Run executes req. Failures are *schema.WeaveError with code
// IMPORTS_NOT_ALLOWED, SANDBOX_TIMEOUT or SANDBOX_RUNTIME_ERROR, their
// messages already redacted.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, interruptedError(err)
	}
	redactor := secrets.NewRedactor()
	for _, s := range req.Secrets {
		redactor.Add(s)
	}
	params, _ := reveal(req.Params, redactor).(map[string]any)
	runCtx, _ := reveal(req.Context, redactor).(map[string]any)
	if runCtx == nil {
		runCtx = map[string]any{}
	}
	if len(req.Secrets) > 0 {
		revealed := make(map[string]any, len(req.Secrets))
		for k, s := range req.Secrets {
			revealed[k] = s.Reveal()
		}
		runCtx["secrets"] = revealed
	}
	if params == nil {
		params = map[string]any{}
	}

	entry := req.EntryPoint
	if entry == "" {
		entry = DefaultEntryPoint
	}
	source, err := prepareSource(req.Code, entry)
	if err != nil {
		return nil, err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out := invoke(ctx, source, params, runCtx, req.Fetch)
	switch {
	case out.err == nil:
		return &RunResult{Value: redactor.Value(out.value), Duration: time.Since(start)}, nil
	case errors.Is(out.err, context.DeadlineExceeded):
		logging.LogWith(ctx, e.logger).Warn("sandbox run stopped", "entry_point", entry, "timeout", timeout)
		return nil, timeoutError(timeout)
	case errors.Is(out.err, context.Canceled):
		return nil, interruptedError(out.err)
	default:
		return nil, redactor.Error(out.err)
	}
}

func interruptedError(cause error) error {
	return schema.NewError(schema.ErrCodeInterrupted, "sandbox run cancelled").WithCause(cause)
}

func timeoutError(timeout time.Duration) error {
	return schema.NewErrorf(schema.ErrCodeSandboxTimeout, "sandbox timed out after %s", timeout).
		WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()})
}

type outcome struct {
	value any
	err   error
}

// hostImport is the binary package through which the invocation shim
// reaches the run's inputs. User code cannot import it.
const (
	hostImportPath = "weave/host"
	hostAlias      = "__host"
)

// shimTemplate is compiled together with the user code. The entry point is
// called from interpreted code so cancellation reaches its frames, and fetch
// is wrapped so a host error survives a direct "return fetch(req)".
const shimTemplate = `

func __weaveFetch(req map[string]any) (map[string]any, error) {
	res, err := ` + hostAlias + `.Fetch(req)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func __weaveInvoke() {
	%s
	if err != nil {
		` + hostAlias + `.Fail(err.Error())
		return
	}
	` + hostAlias + `.Done(v)
}
`

// entrySig is the shape of the entry point as declared in the source.
type entrySig struct {
	params    int
	results   int
	errorOnly bool
}

// prepareSource validates the user code and returns it rewritten as a main
// package that imports the host and carries the invocation shim.
func prepareSource(code, entry string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", schema.NewError(schema.ErrCodeSandboxRuntime, "empty runtime code")
	}
	source := code
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "node.go", source, 0)
	if err != nil {
		source = "package main\n\n" + code
		fset = token.NewFileSet()
		f, err = parser.ParseFile(fset, "node.go", source, 0)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeSandboxRuntime, "parse runtime code: %s", err.Error())
		}
	}
	if len(f.Imports) > 0 {
		paths := make([]string, 0, len(f.Imports))
		for _, imp := range f.Imports {
			paths = append(paths, imp.Path.Value)
		}
		return "", schema.NewError(schema.ErrCodeImportsNotAllowed, ImportsNotAllowed).
			WithDetails(map[string]any{"imports": paths})
	}

	sig, err := entrySignature(f, entry)
	if err != nil {
		return "", err
	}

	from := fset.Position(f.Package).Offset
	to := fset.Position(f.Name.End()).Offset
	var b strings.Builder
	b.WriteString(source[:from])
	fmt.Fprintf(&b, "package main\n\nimport %s %q\n", hostAlias, hostImportPath)
	b.WriteString(source[to:])
	fmt.Fprintf(&b, shimTemplate, invocation(entry, sig))
	return b.String(), nil
}

func entrySignature(f *ast.File, entry string) (entrySig, error) {
	var fd *ast.FuncDecl
	for _, decl := range f.Decls {
		if d, ok := decl.(*ast.FuncDecl); ok && d.Recv == nil && d.Name.Name == entry {
			fd = d
			break
		}
	}
	if fd == nil {
		return entrySig{}, schema.NewErrorf(schema.ErrCodeSandboxRuntime, "entry point %q is not a function", entry)
	}

	var sig entrySig
	for _, field := range fd.Type.Params.List {
		sig.params += max(1, len(field.Names))
	}
	if sig.params < 1 || sig.params > 3 {
		return entrySig{}, schema.NewErrorf(schema.ErrCodeSandboxRuntime, "entry point must take 1 to 3 arguments, got %d", sig.params)
	}

	var results []ast.Expr
	if fd.Type.Results != nil {
		for _, field := range fd.Type.Results.List {
			for range max(1, len(field.Names)) {
				results = append(results, field.Type)
			}
		}
	}
	sig.results = len(results)
	switch sig.results {
	case 1:
		sig.errorOnly = isErrorIdent(results[0])
	case 2:
		if !isErrorIdent(results[1]) {
			return entrySig{}, schema.NewError(schema.ErrCodeSandboxRuntime, "entry point's second result must be an error")
		}
	default:
		return entrySig{}, schema.NewError(schema.ErrCodeSandboxRuntime, "entry point must return (value) or (value, error)")
	}
	return sig, nil
}

func isErrorIdent(e ast.Expr) bool {
	id, ok := e.(*ast.Ident)
	return ok && id.Name == "error"
}

// invocation is the statement binding v and err from the entry point call.
func invocation(entry string, sig entrySig) string {
	args := []string{hostAlias + ".Params", hostAlias + ".Ctx", "__weaveFetch"}[:sig.params]
	call := entry + "(" + strings.Join(args, ", ") + ")"
	switch {
	case sig.results == 2:
		return "v, err := " + call
	case sig.errorOnly:
		return "var v any\n\terr := " + call
	default:
		return "v := " + call + "\n\tvar err error"
	}
}

// invoke compiles source in a fresh interpreter and runs the shim. Both
// steps run under ctx: when it ends the interpreter is stopped, so spinning
// code does not outlive the run.
func invoke(ctx context.Context, source string, params, runCtx map[string]any, fetch FetchFunc) outcome {
	if fetch == nil {
		fetch = func(map[string]any) (map[string]any, error) {
			return nil, errors.New("fetch is not available")
		}
	}

	var out outcome
	host := map[string]reflect.Value{
		"Params": reflect.ValueOf(&params).Elem(),
		"Ctx":    reflect.ValueOf(&runCtx).Elem(),
		"Fetch":  reflect.ValueOf((func(map[string]any) (map[string]any, error))(fetch)),
		"Done": reflect.ValueOf(func(v any) {
			out.value = v
		}),
		"Fail": reflect.ValueOf(func(msg string) {
			out.err = schema.NewError(schema.ErrCodeSandboxRuntime, msg)
		}),
	}

	// No Use(stdlib.Symbols): the realm has builtins and the host only.
	i := interp.New(interp.Options{Stdout: io.Discard, Stderr: io.Discard})
	if err := i.Use(interp.Exports{hostImportPath + "/host": host}); err != nil {
		return outcome{err: schema.NewErrorf(schema.ErrCodeSandboxRuntime, "bind host: %s", err.Error())}
	}
	if _, err := i.EvalWithContext(ctx, source); err != nil {
		if ctx.Err() != nil {
			return outcome{err: ctx.Err()}
		}
		return outcome{err: schema.NewErrorf(schema.ErrCodeSandboxRuntime, "compile runtime code: %s", err.Error())}
	}
	if _, err := i.EvalWithContext(ctx, "__weaveInvoke()"); err != nil {
		if ctx.Err() != nil {
			return outcome{err: ctx.Err()}
		}
		var p interp.Panic
		if errors.As(err, &p) {
			return outcome{err: schema.NewErrorf(schema.ErrCodeSandboxRuntime, "runtime code panicked: %v", p.Value)}
		}
		return outcome{err: schema.NewErrorf(schema.ErrCodeSandboxRuntime, "runtime code failed: %s", err.Error())}
	}
	if out.err != nil {
		return out
	}

	value, err := toJSONShape(out.value)
	if err != nil {
		return outcome{err: schema.NewErrorf(schema.ErrCodeSandboxRuntime, "result is not JSON-serialisable: %s", err.Error())}
	}
	return outcome{value: value}
}

// toJSONShape round-trips v through JSON so only plain data leaves the realm.
func toJSONShape(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// reveal unwraps Secrets nested in v, registering each with r.
func reveal(v any, r *secrets.Redactor) any {
	switch val := v.(type) {
	case secrets.Secret:
		r.Add(val)
		return val.Reveal()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = reveal(item, r)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = reveal(item, r)
		}
		return out
	default:
		return v
	}
}
