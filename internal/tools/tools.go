// Package tools defines the tool catalog available to the reasoning loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skaldhq/skald/internal/llm"
)

// Handler executes one tool call. Args have already passed schema
// validation. The returned string is fed back to the model verbatim.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable catalog entry. Parameters is a JSON schema in
// OpenAI function format; arguments are validated against it before the
// handler runs.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`

	// StateChanging marks tools whose effects persist outside the
	// conversation. Their handlers must be idempotent on the
	// invocation ID carried in ctx.
	StateChanging bool `json:"state_changing"`

	// RequiresConfirmation forces a human confirmation round before the
	// first dispatch in a turn.
	RequiresConfirmation bool `json:"requires_confirmation"`

	// Cost is the credit price of one invocation. Zero means free.
	Cost int64 `json:"cost"`

	// Timeout overrides the registry default for this tool.
	Timeout time.Duration `json:"-"`

	Handler Handler `json:"-"`

	schema *jsonschema.Schema
}

// Registry holds the tool catalog.
type Registry struct {
	mu             sync.RWMutex
	tools          map[string]*Tool
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewRegistry creates an empty catalog. defaultTimeout bounds handlers
// that set no Timeout of their own; zero means no bound.
func NewRegistry(defaultTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:          make(map[string]*Tool),
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "tools"),
	}
}

// Register adds a tool to the catalog, compiling its parameter schema.
// Registering a nil handler, a reserved name, or a duplicate fails.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool must have a name")
	}
	if t.Name == llm.AskHumanToolName {
		return fmt.Errorf("tool name %q is reserved", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q has no handler", t.Name)
	}

	if t.Parameters != nil {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("tool %q parameters: %w", t.Name, err)
		}
		schema, err := jsonschema.CompileString(t.Name+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		t.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t

	r.logger.Debug("tool registered",
		"tool", t.Name,
		"state_changing", t.StateChanging,
		"requires_confirmation", t.RequiresConfirmation,
		"cost", t.Cost,
	)
	return nil
}

// MustRegister registers or panics. For static catalogs wired at startup.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Unregister removes a tool, typically when an MCP server goes away.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// SetCost overrides a registered tool's credit cost. Reports whether
// the tool exists.
func (r *Registry) SetCost(name string, cost int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	t.Cost = cost
	return true
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the catalog in OpenAI function format, sorted by name so
// the model sees a stable ordering across calls.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []map[string]any
	for _, name := range names {
		t := r.tools[name]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute validates arguments and runs a tool under its deadline. All
// failures come back as *ToolError so callers can record the code and
// retryability; handler errors that already are ToolErrors pass through.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", NotFound(name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if t.schema != nil {
		if err := t.schema.Validate(jsonNormalize(args)); err != nil {
			return "", InvalidArgs(name, err)
		}
	}

	limit := t.Timeout
	if limit <= 0 {
		limit = r.defaultTimeout
	}
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	start := time.Now()
	out, err := runHandler(ctx, t, args)
	elapsed := time.Since(start)

	if err != nil {
		// Deadline trumps whatever the handler returned on its way out.
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("tool timed out", "tool", name, "limit", limit)
			return "", Timeout(name, limit)
		}
		if ctx.Err() == context.Canceled {
			return "", &ToolError{Code: CodeCancelled, Message: fmt.Sprintf("tool %q cancelled", name)}
		}
		if te, ok := err.(*ToolError); ok {
			r.logger.Warn("tool failed", "tool", name, "code", te.Code, "retryable", te.Retryable, "duration", elapsed)
			return "", te
		}
		r.logger.Warn("tool failed", "tool", name, "error", err, "duration", elapsed)
		return "", ExecFailed(name, err)
	}

	r.logger.Debug("tool executed", "tool", name, "duration", elapsed, "output_len", len(out))
	return out, nil
}

// runHandler isolates handler panics into errors.
func runHandler(ctx context.Context, t *Tool, args map[string]any) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Handler(ctx, args)
}

// jsonNormalize round-trips a value through JSON so schema validation
// sees the types json.Unmarshal would produce (float64 numbers, etc.).
func jsonNormalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
