package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound   = errors.New("record_not_found")
	ErrInvalidEventID   = errors.New("invalid_event_id")
	ErrAlreadyProcessed = errors.New("already_processed")
	ErrInvalidFilter    = errors.New("invalid_filter")
)

// Verification failure reasons.
const (
	ReasonMissingSignature   = "missing_signature"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonMalformedHeader    = "malformed_header"
	ReasonTimestampTolerance = "timestamp_out_of_tolerance"
	ReasonInvalidPayload     = "invalid_payload"
)

// VerificationError rejects untrusted input. Never retried.
type VerificationError struct {
	Code string
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook verification failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("webhook verification failed (%s)", e.Code)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ConfigurationError means the service cannot verify anything. Never retried.
type ConfigurationError struct {
	Setting string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("webhook misconfigured: %s is not set", e.Setting)
}

// LinkageError reports a provider customer that cannot be tied to a local user.
type LinkageError struct {
	CustomerID string
	Err        error
}

func (e *LinkageError) Error() string {
	return fmt.Sprintf("customer %q is not linked to a local user: %v", e.CustomerID, e.Err)
}

func (e *LinkageError) Unwrap() error { return e.Err }

type PlanNotFoundError struct {
	PriceID string
}

func (e *PlanNotFoundError) Error() string {
	if e.PriceID == "" {
		return "subscription carries no price"
	}
	return fmt.Sprintf("no plan for price %q", e.PriceID)
}

// UnmappedStatusError is raised for provider statuses with no local equivalent.
type UnmappedStatusError struct {
	Status string
}

func (e *UnmappedStatusError) Error() string {
	return fmt.Sprintf("unmapped subscription status %q", e.Status)
}

// HandlingError wraps whatever a handler raised.
type HandlingError struct {
	EventType string
	Err       error
}

func (e *HandlingError) Error() string {
	return fmt.Sprintf("handle %s: %v", e.EventType, e.Err)
}

func (e *HandlingError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned once the attempt budget is spent.
type RetryExhaustedError struct {
	EventID  string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	class := "processing failure"
	if IsIntegrity(e.Last) {
		class = "integrity failure"
	}
	return fmt.Sprintf("event %s: %s after %d attempt(s): %v", e.EventID, class, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Reason labels used by metrics.
func (e *VerificationError) Reason() string   { return e.Code }
func (e *ConfigurationError) Reason() string  { return "configuration" }
func (e *LinkageError) Reason() string        { return "linkage" }
func (e *PlanNotFoundError) Reason() string   { return "plan_not_found" }
func (e *UnmappedStatusError) Reason() string { return "unmapped_status" }

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		return false
	}
	var cerr *ConfigurationError
	if errors.As(err, &cerr) {
		return false
	}
	return true
}

// IsIntegrity reports data-integrity failures in otherwise trusted events.
func IsIntegrity(err error) bool {
	var lerr *LinkageError
	if errors.As(err, &lerr) {
		return true
	}
	var perr *PlanNotFoundError
	if errors.As(err, &perr) {
		return true
	}
	var uerr *UnmappedStatusError
	return errors.As(err, &uerr)
}
