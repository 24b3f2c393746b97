package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no AgentType row matches the lookup.
	ErrNotFound = errors.New("agent type not found")

	// ErrAlreadyExists is returned by Register when (type_name, version)
	// already has a row.
	ErrAlreadyExists = errors.New("agent type version already exists")

	// ErrBreakingChange is returned by Register when a new version of an
	// existing type_name would replace the active row with a
	// backward-incompatible schema.
	ErrBreakingChange = errors.New("schema change is breaking")
)

// ValidationError wraps a Meta-Validator failure surfaced from Register.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation failed: %d issue(s)", len(e.Issues))
}
