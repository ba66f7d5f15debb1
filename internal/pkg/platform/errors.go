package platform

import (
	"errors"
	"fmt"
)

// Terminal validation errors. None of these are retried; only a
// TransientError may be.
var (
	// ErrNotFound: the platform does not know the reference (unknown or
	// already purged token/transaction).
	ErrNotFound = errors.New("platform: purchase reference not found")
	// ErrBadRequest: malformed token or product parameter.
	ErrBadRequest = errors.New("platform: malformed purchase reference or product")
	// ErrAuthFailure: our integration credentials were rejected. Distinct
	// from the purchase itself being invalid.
	ErrAuthFailure = errors.New("platform: integration credentials rejected")
	// ErrUnconfirmed: the purchase exists but payment has not settled.
	ErrUnconfirmed = errors.New("platform: payment not confirmed")
	// ErrExpired: the platform reports a lapsed period.
	ErrExpired = errors.New("platform: subscription period lapsed")
)

// TransientError wraps network failures, timeouts, rate limits and 5xx
// responses. Callers retry these with bounded backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("platform: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
