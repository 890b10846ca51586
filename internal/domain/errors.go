// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates invalid caller-supplied input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidTransition indicates a run status update that the lifecycle
// state machine does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")
