// Package tools implements the Tool Registry (spec.md §4.E) and the
// Tool contract collaborators implement (spec.md §6). The registry is
// a simple capability lookup keyed by type tag; it has no knowledge of
// any specific tool's semantics.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dario.cat/mergo"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

// ErrorKind discriminates Tool invocation failures (spec.md §4.G).
type ErrorKind string

const (
	ErrorTimeout   ErrorKind = "timeout"
	ErrorDenied    ErrorKind = "denied"
	ErrorToolError ErrorKind = "tool_error"
	ErrorInternal  ErrorKind = "internal"
)

// Error is the discriminated failure a Tool invocation raises.
type Error struct {
	Kind      ErrorKind
	Message   string
	Retriable bool
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// NewToolError builds a retriable tool_error, the common case for a
// collaborator-raised failure.
func NewToolError(message string) *Error {
	return &Error{Kind: ErrorToolError, Message: message, Retriable: true}
}

// NewDeniedError builds a non-retriable denied error (e.g. a
// pre-execution policy check such as rate-limit or domain allowlist).
func NewDeniedError(message string) *Error {
	return &Error{Kind: ErrorDenied, Message: message, Retriable: false}
}

// FieldSchema documents one field of a ToolSchema's input/output/config
// shape. Reuses the validate-tag vocabulary the teacher's config
// structs already carry (pkg/config/agent.go), applied here purely as
// documentation metadata rather than a runtime-validated struct tag.
type FieldSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
	Validate    string `json:"validate,omitempty"`
}

// ToolSchema is the JSON-schema-style declaration a Tool exposes via
// Describe(), used for documentation. Schema admission (pkg/validator,
// pkg/registry) does not consult it, so per-step configuration is not
// checked against ConfigFields.
type ToolSchema struct {
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	InputFields  []FieldSchema `json:"input_fields"`
	OutputFields []FieldSchema `json:"output_fields"`
	ConfigFields []FieldSchema `json:"config_fields"`
}

// ExecutionContext is the minimal view of pkg/runner's execution
// context a Tool needs. It is re-declared here (rather than imported)
// to keep pkg/tools free of a dependency on pkg/runner, matching the
// "narrow capability interface" design note in spec.md §9.
type ExecutionContext struct {
	TaskID    string
	AgentID   string
	AgentType string
}

// Tool is the narrow capability interface collaborators implement
// (spec.md §6). Validate and Cleanup are optional; a Tool that embeds
// BaseTool gets sensible defaults for both.
type Tool interface {
	Execute(ctx context.Context, input map[string]any, execCtx ExecutionContext) (any, error)
	Describe() ToolSchema
	ValidateInput(input map[string]any) (map[string]any, error)
	Cleanup() error
}

// BaseTool supplies passthrough defaults for ValidateInput and Cleanup
// so a Factory only needs to implement Execute/Describe, mirroring how
// the teacher's MCP client factory keeps the optional surface thin.
type BaseTool struct{}

func (BaseTool) ValidateInput(input map[string]any) (map[string]any, error) { return input, nil }
func (BaseTool) Cleanup() error                                             { return nil }

// Factory builds a fresh Tool instance from a ToolDef and its merged
// configuration. A new Tool instance is constructed per pipeline
// execution (spec.md §4.E): Tool instances are owned exclusively by the
// executor for the duration of a task and are never reused.
type Factory func(def schema.ToolDef, mergedConfig map[string]any) (Tool, error)

// entry pairs a Factory with the ToolSchema its Describe() call would
// return, cached once at registration time and served by Describe.
type entry struct {
	factory Factory
	schema  ToolSchema
}

// Registry is the in-process capability lookup from type tag to
// Factory. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]entry
	registeredAt map[string]int // monotonic registration counter, for override diagnostics
	counter  int
}

// NewRegistry returns an empty Tool Registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:      make(map[string]entry),
		registeredAt: make(map[string]int),
	}
}

// Register adds a factory under type_tag. Overriding an existing tag is
// allowed but warns (spec.md §4.E; behavior carried from
// original_source's app/agents/tools/registry.py override handling, see
// SPEC_FULL.md §4).
func (r *Registry) Register(typeTag string, factory Factory, toolSchema ToolSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter++
	if _, exists := r.entries[typeTag]; exists {
		slog.Warn("tool registry: overriding existing factory", "type_tag", typeTag)
	}
	r.entries[typeTag] = entry{factory: factory, schema: toolSchema}
	r.registeredAt[typeTag] = r.counter
}

// Build constructs a Tool instance from tool_def, merging callerOverrides
// on top of tool_def.Config (caller overrides win), using mergo the way
// the teacher merges layered config documents (pkg/config/merge.go).
func (r *Registry) Build(def schema.ToolDef, callerOverrides map[string]any) (Tool, error) {
	r.mu.RLock()
	e, ok := r.entries[def.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool registry: unknown type tag %q", def.Type)
	}

	merged := make(map[string]any, len(def.Config))
	for k, v := range def.Config {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, callerOverrides, mergo.WithOverride()); err != nil {
		return nil, fmt.Errorf("tool registry: merging config overrides: %w", err)
	}

	return e.factory(def, merged)
}

// Describe returns the ToolSchema registered for type_tag.
func (r *Registry) Describe(typeTag string) (ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[typeTag]
	if !ok {
		return ToolSchema{}, false
	}
	return e.schema, true
}

// Has reports whether a factory is registered for type_tag.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[typeTag]
	return ok
}
