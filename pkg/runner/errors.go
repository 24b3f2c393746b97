package runner

import (
	"errors"
	"fmt"
)

// ErrUnknownType is returned when the requested (type_name, version) has
// no registered schema.
var ErrUnknownType = errors.New("unknown_type")

// ValidationError wraps field-level input/output validation failures.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field validation failed: %d issue(s)", len(e.Issues))
}
