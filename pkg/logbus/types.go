// Package logbus implements the Log Bus (spec.md §4.H): a durable
// append-only event stream with consumer groups, filtered replay, and a
// best-effort live-push fan-out for interactive observers.
package logbus

import "time"

// Level is the severity of a LogEvent.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Scope controls who may see a LogEvent under the caller's authorization
// layer; the bus itself only carries the value, it does not enforce it.
type Scope string

const (
	ScopeUser   Scope = "user"
	ScopeSystem Scope = "system"
	ScopeAdmin  Scope = "admin"
)

// EventError carries the discriminated error that produced a LogEvent,
// when the event reports a failure.
type EventError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LogEvent is one entry in the durable stream, per spec.md §3.
type LogEvent struct {
	StreamID   int64          `json:"stream_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"level"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	TraceID    string         `json:"trace_id"`
	UserID     string         `json:"user_id,omitempty"`
	Scope      Scope          `json:"scope"`
	Component  string         `json:"component"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      *EventError    `json:"error,omitempty"`
}

// Filter selects events for a subscription. Each key names a LogEvent
// field (workflow_id, task_id, agent_id, step_id, trace_id, user_id,
// scope, component); the value is either a scalar (exact match) or a
// []string (any-of match). An empty filter matches everything.
//
// min_level is a supplemented convenience beyond spec.md's literal filter
// grammar (see SPEC_FULL.md §4): when present, it is compared against the
// event's Level by severity rank rather than by equality, so a caller can
// subscribe to "warning and above" without enumerating every level.
type Filter map[string]any

// Matches reports whether event satisfies f.
func (f Filter) Matches(event LogEvent) bool {
	for field, want := range f {
		if field == "min_level" {
			minLevel, ok := want.(string)
			if !ok {
				continue
			}
			if levelRank[event.Level] < levelRank[Level(minLevel)] {
				return false
			}
			continue
		}
		got := fieldValue(event, field)
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func fieldValue(event LogEvent, field string) string {
	switch field {
	case "level":
		return string(event.Level)
	case "workflow_id":
		return event.WorkflowID
	case "task_id":
		return event.TaskID
	case "agent_id":
		return event.AgentID
	case "step_id":
		return event.StepID
	case "trace_id":
		return event.TraceID
	case "user_id":
		return event.UserID
	case "scope":
		return string(event.Scope)
	case "component":
		return event.Component
	default:
		return ""
	}
}

func matchValue(got string, want any) bool {
	switch w := want.(type) {
	case string:
		return got == w
	case []string:
		for _, v := range w {
			if got == v {
				return true
			}
		}
		return false
	case []any:
		for _, v := range w {
			if s, ok := v.(string); ok && got == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}
