package config

import "fmt"

// LoadError wraps a failure to read or parse a configuration file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError creates a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	return fmt.Sprintf("config file %s: %v", e.File, e.Err)
}

// Unwrap exposes the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError aggregates field-level configuration problems.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid configuration: " + e.Problems[0]
	}
	msg := fmt.Sprintf("invalid configuration (%d problems):", len(e.Problems))
	for _, p := range e.Problems {
		msg += "\n  - " + p
	}
	return msg
}
