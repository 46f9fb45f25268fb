package tools

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRegistrySealed is returned by Register once the catalog is frozen.
var ErrRegistrySealed = errors.New("tool registry is sealed")

// ErrToolUnavailable is returned when a call names a tool that is not
// registered.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// DuplicateToolError is returned when two tools are registered under
// the same name. It only occurs during startup.
type DuplicateToolError struct {
	ToolName string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}

// ArgumentMismatchError reports arguments that do not fit a tool's
// schema. Problems lists each violation; Signature is what the tool
// expects.
type ArgumentMismatchError struct {
	ToolName  string
	Signature string
	Problems  []string
}

func (e *ArgumentMismatchError) Error() string {
	return fmt.Sprintf("tool %q: argument mismatch: %s (expected %s)",
		e.ToolName, strings.Join(e.Problems, "; "), e.Signature)
}

// ExecutionError wraps a failure raised while a handler ran, including
// panics and timeouts.
type ExecutionError struct {
	ToolName string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolName, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
