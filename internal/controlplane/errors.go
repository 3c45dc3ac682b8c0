package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrTaskNotFound = errors.New("task not found")
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)
