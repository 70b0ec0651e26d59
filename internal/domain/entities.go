// Package domain holds the platform entities, the error taxonomy, and the
// ports implemented by adapters. It stays import-free of adapter packages.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")

	// ErrDuplicateIdempotencyKey is raised by the intake gate when an
	// idempotency key was already used. Ingress maps it to 409.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrNoHandler means no handler is registered for the command tag.
	// Never retried; the command goes straight to the DLQ.
	ErrNoHandler = errors.New("no handler registered")
	// ErrHandlerValidation marks a handler failure that retrying cannot fix.
	ErrHandlerValidation = errors.New("handler validation error")
	// ErrHandlerTransient marks a handler failure worth retrying.
	ErrHandlerTransient = errors.New("handler transient error")
	// ErrLeaseExpired means the handler outlived the command lease.
	ErrLeaseExpired = errors.New("command lease expired")
	// ErrOutboxDispatch wraps a failed relay send; the row is rescheduled.
	ErrOutboxDispatch = errors.New("outbox dispatch error")

	ErrInvalidProcessGraph = errors.New("invalid process graph")
	ErrUnknownProcessType  = errors.New("unknown process type")
	ErrInvalidParallelStep = errors.New("invalid parallel step")
	ErrCompensationFailure = errors.New("compensation failure")
)

// IsRetryable reports whether an executor error is worth another attempt.
// Validation and missing-handler failures are final; transient and lease
// failures retry until the budget runs out. Unknown errors default to
// retryable so that infrastructure blips do not dead-letter commands.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrHandlerValidation),
		errors.Is(err, ErrNoHandler),
		errors.Is(err, ErrInvalidArgument):
		return false
	case errors.Is(err, ErrHandlerTransient), errors.Is(err, ErrLeaseExpired):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return true
}

// CommandStatus is the lifecycle state of a command row.
type CommandStatus string

const (
	CommandPending   CommandStatus = "PENDING"
	CommandRunning   CommandStatus = "RUNNING"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
	CommandTimedOut  CommandStatus = "TIMED_OUT"
)

// Command is the durable record of one accepted command.
// Created at intake, mutated only by the executor, never deleted.
// Allowed transitions: PENDING→RUNNING→{SUCCEEDED,FAILED,TIMED_OUT} and
// {FAILED,TIMED_OUT}→RUNNING for a retry.
type Command struct {
	ID             string
	Name           string
	BusinessKey    string
	Payload        []byte
	IdempotencyKey string
	Status         CommandStatus
	Retries        int
	LeaseUntil     *time.Time
	Error          string
	Headers        map[string]string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeadCommand is a DLQ snapshot of a command that exceeded its retry budget
// or failed a non-retryable way.
type DeadCommand struct {
	ID             int64
	CommandID      string
	Name           string
	BusinessKey    string
	IdempotencyKey string
	Payload        []byte
	Reason         string
	Attempts       int
	InsertedAt     time.Time
}

// Context is an alias so usecases and engine packages can stay terse.
type Context = context.Context
