// Package services defines the deployment orchestration logic. This file
// centralizes the error taxonomy returned by DeployService so that handlers
// can map failures to HTTP responses with errors.Is / errors.As.
package services

import (
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when the request secret does not match the
// configured deploy secret.
var ErrUnauthorized = errors.New("invalid secret")

// ErrDeploymentNotFound indicates that no record exists for a key.
var ErrDeploymentNotFound = errors.New("deployment not found")

// ErrNotTerminal is returned when a notification is re-sent for a record that
// is still pending.
var ErrNotTerminal = errors.New("deployment is still in progress")

// ValidationError describes a malformed deployment request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// GenerationError wraps a failure of the code generator, including an empty
// or unusable project.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generation failed: " + e.Err.Error() }

func (e *GenerationError) Unwrap() error { return e.Err }

// PublishError wraps a failure of the repository publisher.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "publish failed: " + e.Err.Error() }

func (e *PublishError) Unwrap() error { return e.Err }
