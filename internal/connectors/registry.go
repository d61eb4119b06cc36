package connectors

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/weave/pkg/schema"
)

// Registry maps normalised (kind, appId, operationId) keys to operations and
// (appId, triggerId) keys to poll handlers. It is built once at startup and
// injected where needed.
type Registry struct {
	mu      sync.RWMutex
	ops     map[string]*Operation
	pollers map[string]PollHandler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		ops:     make(map[string]*Operation),
		pollers: make(map[string]PollHandler),
	}
}

func normalise(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func opKey(kind schema.NodeKind, appID, operationID string) string {
	return normalise(string(kind)) + "/" + normalise(appID) + "/" + normalise(operationID)
}

func pollKey(appID, triggerID string) string {
	return normalise(appID) + "/" + normalise(triggerID)
}

// Register adds an operation. Returns CONFLICT on a duplicate key.
func (r *Registry) Register(op Operation) error {
	if op.Handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "operation handler is nil")
	}
	if !op.Kind.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid operation kind %q", op.Kind)
	}
	if normalise(op.AppID) == "" || normalise(op.OperationID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "operation app_id and operation_id are required")
	}
	key := opKey(op.Kind, op.AppID, op.OperationID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operation %q already registered", key)
	}
	r.ops[key] = &op
	return nil
}

// Lookup finds an operation. A miss is NO_RUNTIME_IMPLEMENTATION.
func (r *Registry) Lookup(kind schema.NodeKind, appID, operationID string) (*Operation, error) {
	key := opKey(kind, appID, operationID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoRuntimeImplementation, "no runtime implementation for %q", key).
			WithDetails(map[string]any{"kind": kind, "app_id": appID, "operation_id": operationID})
	}
	return op, nil
}

// Has reports whether an operation is registered.
func (r *Registry) Has(kind schema.NodeKind, appID, operationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ops[opKey(kind, appID, operationID)]
	return ok
}

// List returns every registered operation, sorted by key.
func (r *Registry) List() []OperationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]OperationInfo, 0, len(r.ops))
	for _, op := range r.ops {
		infos = append(infos, OperationInfo{
			Kind:        op.Kind,
			AppID:       normalise(op.AppID),
			OperationID: normalise(op.OperationID),
			Description: op.Description,
			SideEffects: op.SideEffects,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return opKey(infos[i].Kind, infos[i].AppID, infos[i].OperationID) <
			opKey(infos[j].Kind, infos[j].AppID, infos[j].OperationID)
	})
	return infos
}

// Count returns the number of registered operations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// RegisterPoller adds the poll handler for a trigger type.
func (r *Registry) RegisterPoller(appID, triggerID string, h PollHandler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "poll handler is nil")
	}
	key := pollKey(appID, triggerID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pollers[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "poller %q already registered", key)
	}
	r.pollers[key] = h
	return nil
}

// Poller returns the poll handler for a trigger type.
func (r *Registry) Poller(appID, triggerID string) (PollHandler, error) {
	key := pollKey(appID, triggerID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.pollers[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoRuntimeImplementation, "no poll handler for %q", key)
	}
	return h, nil
}
