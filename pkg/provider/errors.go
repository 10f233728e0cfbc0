package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind classifies a completion attempt failure. The mapping
// from HTTP status codes is fixed: 429 is a rate limit, 401/403 are
// auth failures, any other non-2xx is generic, and a 2xx body without
// usable text is an empty response.
type FailureKind string

const (
	FailRateLimit FailureKind = "rate_limit"
	FailAuth      FailureKind = "auth"
	FailEmpty     FailureKind = "empty_response"
	FailTimeout   FailureKind = "timeout"
	FailGeneric   FailureKind = "generic"
)

// Retryable reports whether the failure may succeed on another
// credential or a later round. Auth failures are terminal for the
// credential that produced them.
func (k FailureKind) Retryable() bool {
	return k != FailAuth
}

// RateLimitedError is a 429 from the endpoint. Cooldown carries the
// server-requested wait (from Retry-After) or a default.
type RateLimitedError struct {
	Status   int
	Cooldown time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (status %d, cooldown %s)", e.Status, e.Cooldown)
}

// AuthError is a 401 or 403; the credential needs external
// re-validation.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected (status %d)", e.Status)
}

// EmptyResponseError is a 2xx response whose body produced no text.
// Always retried, never treated as success.
type EmptyResponseError struct{}

func (e *EmptyResponseError) Error() string { return "Empty response" }

// GenericError is any other non-2xx response. Body is truncated.
type GenericError struct {
	Status int
	Body   string
}

func (e *GenericError) Error() string {
	return fmt.Sprintf("request failed (status %d): %s", e.Status, e.Body)
}

// NoCredentialsError means the pool had nothing usable.
type NoCredentialsError struct{}

func (e *NoCredentialsError) Error() string { return "no usable credentials" }

// Attempt records one credential try inside a dispatch.
type Attempt struct {
	Slot     int
	Round    int
	Kind     FailureKind
	Err      error
	Duration time.Duration
}

// ExhaustedError means every usable credential failed in every round.
type ExhaustedError struct {
	Rounds   int
	Attempts []Attempt
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "all credentials exhausted after %d rounds (%d attempts):", e.Rounds, len(e.Attempts))
	for i, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  [%d] slot %d round %d: %v (%s)", i+1, a.Slot, a.Round, a.Err, a.Kind)
	}
	return sb.String()
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Classify maps an attempt error onto the failure taxonomy. Transport
// timeouts and context deadlines become FailTimeout; everything
// unrecognized is FailGeneric.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case isType[*RateLimitedError](err):
		return FailRateLimit
	case isType[*AuthError](err):
		return FailAuth
	case isType[*EmptyResponseError](err):
		return FailEmpty
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return FailTimeout
	}
	return FailGeneric
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
