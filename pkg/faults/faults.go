// Package faults defines the error taxonomy shared by every subsystem.
// A Fault wraps an underlying error with a category and the context of the
// operation that produced it. Categories drive retry policy only; they
// never trigger silent recovery.
package faults

import (
	"errors"
	"fmt"

	"github.com/noelgit/agent-s3-sub005/pkg/models"
)

// Category classifies an error for retry-policy and reporting purposes.
type Category string

// Error categories.
const (
	CategorySyntax         Category = "syntax"
	CategoryType           Category = "type"
	CategoryImport         Category = "import"
	CategoryAttribute      Category = "attribute"
	CategoryName           Category = "name"
	CategoryIndex          Category = "index"
	CategoryValue          Category = "value"
	CategoryAssertion      Category = "assertion"
	CategoryRuntime        Category = "runtime"
	CategoryMemory         Category = "memory"
	CategoryPermission     Category = "permission"
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryPlanning       Category = "planning"
	CategoryGeneration     Category = "generation"
	CategoryValidation     Category = "validation"
	CategorySchema         Category = "schema"
	CategoryCoordination   Category = "coordination"
	CategoryDebugging      Category = "debugging"
	CategoryAuthentication Category = "authentication"
	CategoryUnknown        Category = "unknown"
)

// Fault is an error enriched with category and operation context.
type Fault struct {
	Category  Category      `json:"category"`
	Message   string        `json:"message"`
	Component string        `json:"component,omitempty"`
	Phase     models.Phase  `json:"phase,omitempty"`
	Operation string        `json:"operation,omitempty"`
	File      string        `json:"file,omitempty"`
	Line      int           `json:"line,omitempty"`
	Function  string        `json:"function,omitempty"`
	Attempt   int           `json:"attempt_number,omitempty"`
	Recovery  string        `json:"recovery_strategy,omitempty"`
	Err       error         `json:"-"`
}

// New creates a Fault with no underlying error.
func New(category Category, component, operation, message string) *Fault {
	return &Fault{
		Category:  category,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap attaches category and context to an existing error. Returns nil when
// err is nil.
func Wrap(err error, category Category, component, operation string) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{
		Category:  category,
		Message:   err.Error(),
		Component: component,
		Operation: operation,
		Err:       err,
	}
}

// WithPhase records the workflow phase during which the fault occurred.
func (f *Fault) WithPhase(phase models.Phase) *Fault {
	f.Phase = phase
	return f
}

// WithAttempt records the retry attempt number.
func (f *Fault) WithAttempt(attempt int) *Fault {
	f.Attempt = attempt
	return f
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Operation != "" {
		return fmt.Sprintf("%s: %s: %s", f.Category, f.Operation, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (f *Fault) Unwrap() error { return f.Err }

// CategoryOf extracts the category from an error chain. Errors that carry
// no Fault are CategoryUnknown.
func CategoryOf(err error) Category {
	var f *Fault
	if errors.As(err, &f) {
		return f.Category
	}
	return CategoryUnknown
}

// Retryable reports whether an error is worth retrying with backoff.
// Transient external failures (network, coordination, unknown) are
// retryable. Schema, authentication, permission and validation failures are
// never retried; they are deterministic and must be surfaced immediately.
func Retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryNetwork, CategoryCoordination, CategoryDatabase, CategoryUnknown:
		return true
	default:
		return false
	}
}
