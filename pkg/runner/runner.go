// Package runner implements the Agent Runner (spec.md §4.I): it binds a
// concrete task to a registered schema, validates input/output against
// the schema's field shapes, drives the Pipeline Executor, and emits
// terminal events through the Log Bus.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentcore/pkg/executor"
	"github.com/codeready-toolchain/agentcore/pkg/logbus"
	"github.com/codeready-toolchain/agentcore/pkg/planner"
	"github.com/codeready-toolchain/agentcore/pkg/registry"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	"github.com/codeready-toolchain/agentcore/pkg/tools"
)

// Persistor offers validated output to the external persistence
// collaborator (spec.md §6). Persist failures are logged but never fail
// the task (step 7).
type Persistor interface {
	Persist(ctx context.Context, typeName, taskID, agentID, modelName string, data map[string]any) error
}

// RunInput is the caller-supplied request to bind and execute a task.
type RunInput struct {
	TypeName      string
	Version       string // optional; empty selects the active version
	TaskID        string
	AgentID       string
	Input         map[string]any
	ToolOverrides map[string]map[string]any // per-tool-name caller overrides
}

// RunResult is what the Runner returns after a successful execution.
type RunResult struct {
	FinalData     map[string]any
	StepResults   map[string]executor.StepRecord
	TotalTimeSecs float64
}

// Runner wires the Schema Registry, Tool Registry, Pipeline Executor,
// and Log Bus together for one-shot task execution.
type Runner struct {
	registry           *registry.Registry
	tools              *tools.Registry
	executor           *executor.Executor
	bus                *logbus.Bus
	persistor          Persistor // optional; nil disables step 7
	defaultMaxExecSecs int
}

// New constructs a Runner. persistor may be nil. defaultMaxExecSecs is
// the execution deadline applied when a schema's Limits don't set
// MaxExecutionTimeSeconds (spec.md §4.I, the config default at
// pkg/config/defaults.go); <= 0 selects 300s.
func New(reg *registry.Registry, toolRegistry *tools.Registry, exec *executor.Executor, bus *logbus.Bus, persistor Persistor, defaultMaxExecSecs int) *Runner {
	if defaultMaxExecSecs <= 0 {
		defaultMaxExecSecs = 300
	}
	return &Runner{registry: reg, tools: toolRegistry, executor: exec, bus: bus, persistor: persistor, defaultMaxExecSecs: defaultMaxExecSecs}
}

// Run executes spec.md §4.I steps 1-8 for one task.
func (r *Runner) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	at, err := r.registry.Get(ctx, in.TypeName, in.Version)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownType, in.TypeName)
		}
		return nil, fmt.Errorf("look up schema: %w", err)
	}
	s := at.Schema

	toolInstances, err := r.buildTools(s, in.ToolOverrides)
	if err != nil {
		return nil, fmt.Errorf("build tools: %w", err)
	}

	validatedInput, err := validateFields(s.InputFields, in.Input)
	if err != nil {
		return nil, fmt.Errorf("validate input: %w", err)
	}

	startTime := time.Now().UTC()
	data := make(map[string]any, len(validatedInput)+4)
	for k, v := range validatedInput {
		data[k] = v
	}
	data["agent_id"] = in.AgentID
	data["task_id"] = in.TaskID
	data["agent_type"] = in.TypeName
	data["start_time"] = startTime

	execCtx := tools.ExecutionContext{TaskID: in.TaskID, AgentID: in.AgentID, AgentType: in.TypeName}

	plan, err := planner.Plan(s.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("plan pipeline: %w", err)
	}

	maxExecSecs := r.defaultMaxExecSecs
	if s.Limits.MaxExecutionTimeSeconds != nil {
		maxExecSecs = *s.Limits.MaxExecutionTimeSeconds
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(maxExecSecs)*time.Second)
	defer cancel()

	result, err := r.executor.Execute(runCtx, plan, s, toolInstances, data, execCtx)
	if err != nil {
		var cancelled *executor.CancelledError
		if errors.As(err, &cancelled) {
			r.emitTerminal(ctx, in, logbus.LevelWarning, "task_cancelled", err)
		} else {
			r.emitTerminal(ctx, in, logbus.LevelError, "task_failed", err)
		}
		return nil, err
	}

	validatedOutput, err := validateFields(s.OutputFields, result.FinalData)
	if err != nil {
		r.emitTerminal(ctx, in, logbus.LevelError, "task_failed", err)
		return nil, fmt.Errorf("validate output: %w", err)
	}

	if len(s.DataModels) > 0 && r.persistor != nil {
		r.persistOutput(ctx, in, s, validatedOutput)
	}

	r.emitTerminal(ctx, in, logbus.LevelInfo, "task_completed", nil)

	return &RunResult{
		FinalData:     validatedOutput,
		StepResults:   result.StepResults,
		TotalTimeSecs: result.TotalTimeSecs,
	}, nil
}

func (r *Runner) buildTools(s schema.Schema, overrides map[string]map[string]any) (map[string]tools.Tool, error) {
	instances := make(map[string]tools.Tool, len(s.Pipeline.Steps))
	for _, step := range s.Pipeline.Steps {
		toolDef, ok := s.Tools[step.Tool]
		if !ok {
			return nil, fmt.Errorf("step %q references unknown tool %q", step.Name, step.Tool)
		}
		instance, err := r.tools.Build(toolDef, overrides[step.Tool])
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", step.Tool, err)
		}
		instances[step.Name] = instance
	}
	return instances, nil
}

// persistOutput offers the validated output to the persistence
// collaborator for every declared data model. Per spec.md §4.I step 7,
// failures are logged (as a Log Bus warning event, per this module's
// Open Question resolution — see DESIGN.md) but never fail the task.
func (r *Runner) persistOutput(ctx context.Context, in RunInput, s schema.Schema, output map[string]any) {
	for modelName := range s.DataModels {
		if err := r.persistor.Persist(ctx, in.TypeName, in.TaskID, in.AgentID, modelName, output); err != nil {
			slog.Warn("persistence offer failed", "type_name", in.TypeName, "task_id", in.TaskID, "model", modelName, "error", err)
			if r.bus != nil {
				_, _ = r.bus.Publish(ctx, logbus.LogEvent{
					Level:     logbus.LevelWarning,
					TaskID:    in.TaskID,
					AgentID:   in.AgentID,
					TraceID:   in.TaskID,
					Scope:     logbus.ScopeSystem,
					Component: "runner",
					Message:   fmt.Sprintf("persistence failed for model %q", modelName),
					Error:     &logbus.EventError{Kind: "persistence_error", Message: err.Error()},
				})
			}
		}
	}
}

func (r *Runner) emitTerminal(ctx context.Context, in RunInput, level logbus.Level, eventType string, cause error) {
	if r.bus == nil {
		return
	}
	event := logbus.LogEvent{
		Level:     level,
		TaskID:    in.TaskID,
		AgentID:   in.AgentID,
		TraceID:   in.TaskID,
		Scope:     logbus.ScopeSystem,
		Component: "runner",
		Message:   eventType,
		Metadata:  map[string]any{"event_type": eventType, "agent_type": in.TypeName},
	}
	if cause != nil {
		event.Error = &logbus.EventError{Kind: eventType, Message: cause.Error()}
	}
	if _, err := r.bus.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish terminal event", "task_id", in.TaskID, "event_type", eventType, "error", err)
	}
}
