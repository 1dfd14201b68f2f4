package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrInvalidTransition is returned when a lifecycle method is called from
	// a state that is not one of its allowed predecessors.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyClaimed is returned by a guarded transition when the stored
	// state no longer matches the expected prior state.
	ErrAlreadyClaimed = errors.New("position already claimed")
	ErrConnectivity   = errors.New("connectivity error")
	ErrOrderRejected  = errors.New("order rejected")
	ErrTimeout        = errors.New("timeout")
	ErrOneLegged      = errors.New("one-legged exit")
)

// FailureKind classifies why an exit attempt failed.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureConnectivity  FailureKind = "connectivity"
	FailureOrderRejected FailureKind = "order_rejected"
	FailureTimeout       FailureKind = "timeout"
	FailureOneLegged     FailureKind = "one_legged"
)

// Retryable reports whether the failed-exit sweep may requeue a position
// that failed with this kind. One-legged failures need an operator.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailureConnectivity, FailureOrderRejected, FailureTimeout:
		return true
	default:
		return false
	}
}

// ClassifyError maps an execution error onto a FailureKind. Unknown errors
// are treated as connectivity problems.
func ClassifyError(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrOneLegged):
		return FailureOneLegged
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInvalidOrder):
		return FailureOrderRejected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureConnectivity
	}
}
