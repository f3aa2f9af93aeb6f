package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/agentstep/model"
)

// Registry holds the tool set advertised to the model for a step and routes
// call requests to the owning Tool. Registration order is preserved so the
// catalog presented to the model is deterministic.
//
// Call is safe for concurrent use from multiple in-flight requests; the
// registry itself is read-only during dispatch.
type Registry struct {
	mu    sync.RWMutex
	names []string
	tools map[string]Tool
}

// NewRegistry constructs an empty Registry, optionally seeded with tools.
// Seeding errors (empty names, duplicates) are returned so misconfiguration
// is surfaced before any step runs.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. An empty name or a duplicate registration is a
// configuration error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.names = append(r.names, name)
	return nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Definitions returns provider-agnostic descriptors for all registered tools
// in registration order, suitable for a step catalog.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]model.ToolDefinition, 0, len(r.names))
	for _, name := range r.names {
		t := r.tools[name]
		defs = append(defs, model.ToolDefinition{
			Type: "function",
			Function: model.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Call decodes the raw JSON arguments, invokes the named tool and returns
// its result as text. Unknown tools, undecodable arguments and tool failures
// are returned as errors whose text is usable verbatim as an observation.
func (r *Registry) Call(ctx context.Context, name string, arguments json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %s not found", name)
	}

	args, err := DecodeArguments(arguments)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}

	result, err := t.Call(ctx, args)
	if err != nil {
		return "", err
	}
	return Stringify(result), nil
}

// DecodeArguments unmarshals a JSON argument payload into a map. Models
// occasionally emit slightly broken JSON (truncated braces, unquoted keys);
// a jsonrepair pass is attempted before giving up.
func DecodeArguments(arguments json.RawMessage) (map[string]any, error) {
	if len(arguments) == 0 {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(arguments, &args); err == nil {
		return args, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(arguments))
	if repairErr != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", repairErr)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args: %w", err)
	}
	return args, nil
}

// Stringify renders a tool result as observation text: strings pass through,
// everything else is JSON encoded.
func Stringify(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		if raw, err := json.Marshal(v); err == nil {
			return string(raw)
		}
		return fmt.Sprintf("%v", v)
	}
}
