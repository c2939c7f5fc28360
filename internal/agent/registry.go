package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExecutionMode is the tag distinguishing the two tool variants.
type ExecutionMode string

const (
	// ModeAuto marks a tool the resolver may execute immediately.
	ModeAuto ExecutionMode = "auto"

	// ModeConfirm marks a tool that runs only after an approving human
	// decision correlated by tool call id.
	ModeConfirm ExecutionMode = "confirm"
)

// ExecFunc runs a tool with schema-validated JSON arguments and returns the
// result value as JSON.
type ExecFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Definition binds a tool name to its input schema and exactly one execution
// variant. For ModeConfirm, Run is the confirmed-execution function invoked
// after approval.
type Definition struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Mode        ExecutionMode
	Run         ExecFunc

	compiled *jsonschema.Schema
}

// Auto builds an auto-executable tool definition.
func Auto(name, description string, schema json.RawMessage, run ExecFunc) Definition {
	return Definition{Name: name, Description: description, Schema: schema, Mode: ModeAuto, Run: run}
}

// Confirm builds a confirmation-required tool definition.
func Confirm(name, description string, schema json.RawMessage, run ExecFunc) Definition {
	return Definition{Name: name, Description: description, Schema: schema, Mode: ModeConfirm, Run: run}
}

// Tool input limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum size of tool argument JSON (10MB).
	MaxToolArgsSize = 10 << 20
)

// Registry maps tool names to definitions with thread-safe registration and
// lookup. Names the model references that are absent here take the explicit
// unknown-tool path in the resolver.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry ready for registration.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Definition),
	}
}

// Register adds a definition, compiling its argument schema. A definition
// with the same name replaces the previous one.
func (r *Registry) Register(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}
	if def.Mode != ModeAuto && def.Mode != ModeConfirm {
		return fmt.Errorf("tool %s: execution mode must be auto or confirm", name)
	}
	if def.Run == nil {
		return fmt.Errorf("tool %s: executor is required", name)
	}
	if len(def.Schema) > 0 {
		compiled, err := jsonschema.CompileString(name+".schema.json", string(def.Schema))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		def.compiled = compiled
	}
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = def
	return nil
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Lookup returns a definition by name and whether it was found.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Definitions returns a name-sorted schema snapshot for the model request.
func (r *Registry) Definitions() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Schema:      def.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs checks a call's arguments against the tool's compiled schema.
// Failures are reported as invalid-input ToolErrors; a tool without a schema
// accepts anything.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	if len(args) > MaxToolArgsSize {
		return NewToolError(name, fmt.Errorf("tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)).
			WithType(ToolErrorInvalidInput)
	}

	def, ok := r.Lookup(name)
	if !ok {
		return NewToolError(name, ErrToolNotFound).WithType(ToolErrorNotFound)
	}
	if def.compiled == nil {
		return nil
	}

	payload := args
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return NewToolError(name, fmt.Errorf("decode arguments: %w", err)).WithType(ToolErrorInvalidInput)
	}
	if err := def.compiled.Validate(decoded); err != nil {
		return NewToolError(name, fmt.Errorf("arguments failed validation: %w", err)).WithType(ToolErrorInvalidInput)
	}
	return nil
}
