package query

import (
	"fmt"
	"strings"
)

// ValidationError lists every reason a plan was rejected, in check order.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "invalid plan: " + strings.Join(e.Reasons, "; ")
}

// ExecutionError is an internal fault while running a validated plan.
type ExecutionError struct {
	Step Step
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
