// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrEngine         = errors.New("storage engine failure")
	ErrMirror         = errors.New("mirror write failed")
	ErrClosed         = errors.New("store is closed")
	ErrMigration      = errors.New("migration failed")
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrInvalidRequest = errors.New("invalid request")
)

// StoreError represents a failure reported by the embedded engine.
type StoreError struct {
	Op    string
	Table string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store error [%s %s]: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store error [%s]: %v", e.Op, e.Err)
}

// Unwrap exposes both the engine sentinel and the underlying cause.
func (e *StoreError) Unwrap() []error {
	return []error{ErrEngine, e.Err}
}

// NewStoreError creates a new StoreError. A nil err yields nil.
func NewStoreError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrClosed) {
		return err
	}
	return &StoreError{Op: op, Table: table, Err: err}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	if e.Value == nil || e.Value == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NotFound returns an ErrNotFound wrapped with the entity and identifier.
func NotFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join joins multiple errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
