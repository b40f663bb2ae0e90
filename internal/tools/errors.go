// Package tools provides the tool catalog and execution framework.
//
// This file defines the typed execution error and its code vocabulary.
package tools

import (
	"fmt"
	"time"
)

// Error codes carried on ToolError. These travel into failed
// tool_result step payloads, so the vocabulary is stable.
const (
	CodeNotFound            = "tool_not_found"
	CodeInvalidArgs         = "invalid_args"
	CodeTimeout             = "timeout"
	CodeExecutionFailed     = "execution_failed"
	CodeInsufficientCredits = "insufficient_credits"
	CodeCancelled           = "cancelled"
)

// ToolError is a structured tool execution failure. Retryable tells the
// reasoning loop whether re-running the same call can help; catalog
// mismatches and argument problems are never retryable, timeouts are.
type ToolError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NotFound reports a call targeting a tool absent from the catalog.
// Callers should surface the catalog mismatch to the model rather than
// retrying.
func NotFound(name string) *ToolError {
	return &ToolError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("tool %q is not available", name),
	}
}

// InvalidArgs reports arguments rejected by the tool's schema.
func InvalidArgs(name string, err error) *ToolError {
	return &ToolError{
		Code:    CodeInvalidArgs,
		Message: fmt.Sprintf("arguments for %q: %v", name, err),
	}
}

// Timeout reports a handler that exceeded its deadline.
func Timeout(name string, limit time.Duration) *ToolError {
	return &ToolError{
		Code:      CodeTimeout,
		Message:   fmt.Sprintf("tool %q exceeded its %s deadline", name, limit),
		Retryable: true,
	}
}

// ExecFailed wraps a handler error that carries no ToolError of its own.
func ExecFailed(name string, err error) *ToolError {
	return &ToolError{
		Code:    CodeExecutionFailed,
		Message: fmt.Sprintf("tool %q: %v", name, err),
	}
}

// Transient marks a handler failure worth retrying, such as an upstream
// network hiccup.
func Transient(name string, err error) *ToolError {
	return &ToolError{
		Code:      CodeExecutionFailed,
		Message:   fmt.Sprintf("tool %q: %v", name, err),
		Retryable: true,
	}
}

// InsufficientCredits reports a call denied before dispatch because the
// account cannot cover the tool's cost.
func InsufficientCredits(name string, needed, balance int64) *ToolError {
	return &ToolError{
		Code:    CodeInsufficientCredits,
		Message: fmt.Sprintf("tool %q needs %d credits, balance is %d", name, needed, balance),
	}
}
