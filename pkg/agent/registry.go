package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/editorbridge/editorbridge/pkg/logging"
	"github.com/editorbridge/editorbridge/pkg/toolspec"
	"github.com/editorbridge/editorbridge/pkg/wire"
)

// Registry holds the tools discovered in one pass. Registration is
// frozen before the server starts accepting connections, so readers see
// an immutable registry for the lifetime of the accept loop.
type Registry struct {
	mu      sync.RWMutex
	version int
	tools   map[string]Tool
	frozen  bool
	logger  *slog.Logger
}

// NewRegistry creates a registry for one discovery pass. The version
// must strictly increase across passes (startup and each reload).
func NewRegistry(version int) *Registry {
	return &Registry{
		version: version,
		tools:   make(map[string]Tool),
		logger:  logging.NewDiscardLogger(),
	}
}

// SetLogger sets the logger for registration warnings.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds a tool. Nil tools, empty names, and duplicates are
// rejected; a failed registration is logged and skipped, never fatal.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen")
	}
	if t == nil {
		r.logger.Warn("rejecting nil tool")
		return fmt.Errorf("nil tool")
	}
	name := t.Name()
	if name == "" {
		r.logger.Warn("rejecting tool with empty name")
		return fmt.Errorf("empty tool name")
	}
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("rejecting duplicate tool", "name", name)
		return fmt.Errorf("duplicate tool %q", name)
	}

	r.tools[name] = t
	return nil
}

// Freeze closes registration. Called by the server before accepting.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Version returns the discovery-pass version.
func (r *Registry) Version() int {
	return r.version
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Catalog returns the versioned descriptor list, sorted by name.
func (r *Registry) Catalog() toolspec.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]toolspec.Descriptor, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		schema, err := t.ParameterSchema().Marshal()
		if err != nil {
			r.logger.Warn("skipping tool with unencodable schema", "name", name, "error", err)
			continue
		}
		tools = append(tools, toolspec.Descriptor{
			Name:               name,
			Description:        t.Description(),
			RequiresMainThread: t.RequiresMainThread(),
			ParameterSchema:    schema,
		})
	}
	return toolspec.Catalog{Version: r.version, Tools: tools}
}

// Invoke runs the named tool against double-encoded arguments and
// returns the response envelope. All error classes are mapped here:
// not-found, invalid-arg, tool-failure.
func (r *Registry) Invoke(ctx context.Context, id, name, argumentsJSON string) (resp wire.Response) {
	t, ok := r.Get(name)
	if !ok {
		return wire.NewErrorResponse(id, fmt.Sprintf("not-found: unknown tool %q", name))
	}

	if argumentsJSON == "" {
		argumentsJSON = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return wire.NewErrorResponse(id, fmt.Sprintf("invalid-arg: parsing arguments for %q: %v", name, err))
	}

	schema := t.ParameterSchema()
	if err := schema.Validate(args); err != nil {
		return wire.NewErrorResponse(id, fmt.Sprintf("invalid-arg: %v", err))
	}
	args = schema.ApplyDefaults(args)

	// A panicking tool must not take the agent down with it; the stack
	// stays host-side in the log.
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "name", name, "panic", rec)
			resp = wire.NewErrorResponse(id, fmt.Sprintf("tool-failure: %s: %v", name, rec))
		}
	}()

	result, err := t.Execute(ctx, args)
	if err != nil {
		return wire.NewErrorResponse(id, fmt.Sprintf("tool-failure: %s: %v", name, err))
	}
	if !json.Valid([]byte(result)) {
		encoded, merr := json.Marshal(result)
		if merr != nil {
			return wire.NewErrorResponse(id, fmt.Sprintf("tool-failure: %s: encoding result: %v", name, merr))
		}
		result = string(encoded)
	}
	return wire.NewDataResponse(id, result)
}
