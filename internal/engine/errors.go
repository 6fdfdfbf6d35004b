package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the delivery pipeline.
var (
	// ErrStateUnavailable means the coordination store could not be
	// reached. Emergency tier fails open (broadcast); everything else
	// fails closed (hold and retry).
	ErrStateUnavailable = errors.New("coordination state unavailable")

	// ErrScorerUnavailable means the behavioral scorer could not produce
	// a score; the optimizer falls back to the default digest time.
	ErrScorerUnavailable = errors.New("behavioral scorer unavailable")

	// ErrUnknownRequest is returned by status and cancel lookups.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrUnknownCaregiver is returned by profile lookups and updates.
	ErrUnknownCaregiver = errors.New("unknown caregiver")

	// ErrDispatchTransient marks a delivery failure worth retrying.
	ErrDispatchTransient = errors.New("transient dispatch failure")

	// ErrDispatchPermanent marks a delivery failure that must be
	// dead-lettered, never retried and never silently discarded.
	ErrDispatchPermanent = errors.New("permanent dispatch failure")
)

// ClassificationError rejects a malformed request at ingest, before it
// enters the pipeline.
type ClassificationError struct {
	Field  string
	Detail string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification error: %s: %s", e.Field, e.Detail)
}

// EscalationExhaustedError is the terminal handoff outcome: every
// registered caregiver was tried and none acknowledged. Always surfaced
// as an operator alert, never swallowed.
type EscalationExhaustedError struct {
	RequestID string
	FamilyID  string
	Tried     []string
}

func (e *EscalationExhaustedError) Error() string {
	return fmt.Sprintf("escalation exhausted for request %s (family %s) after %d caregivers",
		e.RequestID, e.FamilyID, len(e.Tried))
}
