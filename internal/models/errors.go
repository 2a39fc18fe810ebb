package models

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrConcurrentTraining = errors.New("training already in progress")
	ErrBackendNotReady    = errors.New("compute backend not ready")
	ErrModelLoad          = errors.New("model load failed")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidOutcome     = errors.New("invalid outcome")
)

// InsufficientDataError reports too few aggregates or training samples
type InsufficientDataError struct {
	What string
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient %s: have %d, need %d", e.What, e.Have, e.Need)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// PersistenceError wraps a store read or write failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// NewPersistenceError returns nil when err is nil
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
