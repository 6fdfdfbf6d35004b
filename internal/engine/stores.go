package engine

import (
	"context"
	"time"
)

// ProfileStore is the preferences-store collaborator. The engine treats it
// as a read-after-write key-value interface per family.
type ProfileStore interface {
	LoadCaregiverProfile(ctx context.Context, caregiverID string) (*CaregiverProfile, error)
	// FamilyProfiles returns every registered caregiver for a family.
	FamilyProfiles(ctx context.Context, familyID string) ([]*CaregiverProfile, error)
}

// StateStore owns the mutable per-family coordination record plus the
// short-lived idempotency and coalescing markers.
type StateStore interface {
	// LoadCoordinationState returns (nil, nil) when no state exists.
	LoadCoordinationState(ctx context.Context, familyID string) (*CoordinationState, error)
	SaveCoordinationState(ctx context.Context, state *CoordinationState, ttl time.Duration) error

	// Coalesce claims the (family, child, category) event slot for
	// requestID and reports whether a DIFFERENT request already holds it
	// inside the window. A marker owned by the same request is not a
	// duplicate, so a retried evaluation never coalesces against itself.
	Coalesce(ctx context.Context, familyID, childID string, cat Category, requestID string, window time.Duration) (bool, error)

	// ReserveIngest claims an ingest idempotency key for requestID.
	// When the key is already claimed it returns the original request ID
	// and reserved=false.
	ReserveIngest(ctx context.Context, key, requestID string, ttl time.Duration) (existingID string, reserved bool, err error)
}

// Scorer is the opaque ML collaborator. Any error means "unavailable" and
// the optimizer degrades to the default digest time.
type Scorer interface {
	Score(ctx context.Context, caregiverID string, candidate time.Time) (float64, error)
}

// DecisionSink receives finalized decision messages bound for the
// dispatcher.
type DecisionSink interface {
	Publish(ctx context.Context, msg *DecisionMessage) error
}

// AlertSink receives operator alerts. Implementations must be cheap and
// non-blocking; a failed alert publish still gets logged by the caller.
type AlertSink interface {
	Alert(ctx context.Context, alert *OperatorAlert) error
}
