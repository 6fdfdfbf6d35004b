package engine

import (
	"encoding/json"
	"time"
)

// Category identifies the feature area that produced a notification request.
type Category string

const (
	CategoryDiaper    Category = "diaper"
	CategoryInventory Category = "inventory"
	CategoryMilestone Category = "milestone"
	CategorySystem    Category = "system"
	CategoryMedical   Category = "medical"
)

// KnownCategories is the closed set accepted at ingest.
var KnownCategories = map[Category]bool{
	CategoryDiaper:    true,
	CategoryInventory: true,
	CategoryMilestone: true,
	CategorySystem:    true,
	CategoryMedical:   true,
}

// PriorityTier is derived from a request by the classifier, never stored
// independently of it.
type PriorityTier string

const (
	TierEmergency  PriorityTier = "emergency"
	TierHigh       PriorityTier = "high"
	TierStandard   PriorityTier = "standard"
	TierLow        PriorityTier = "low"
	TierBackground PriorityTier = "background"
)

// Role orders caregivers for promotion: primary > backup > professional.
type Role string

const (
	RolePrimary      Role = "primary"
	RoleBackup       Role = "backup"
	RoleProfessional Role = "professional"
)

// rolePriority returns the promotion rank for a role; lower wins.
func rolePriority(r Role) int {
	switch r {
	case RolePrimary:
		return 0
	case RoleBackup:
		return 1
	case RoleProfessional:
		return 2
	default:
		return 3
	}
}

// NotificationRequest is the immutable unit of work entering the pipeline.
type NotificationRequest struct {
	ID           string          `json:"id"`
	FamilyID     string          `json:"family_id"`
	ChildID      string          `json:"child_id"`
	Category     Category        `json:"category"`
	SeverityHint float64         `json:"severity_hint"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// QuietWindow holds a caregiver's sleep-protection window. Weekday and
// weekend bounds are distinct fields, never inferred at evaluation time.
// Bounds use "HH:MM" in the profile's timezone. When Adaptive is set the
// bounds are periodically rewritten by the behavioral-learning collaborator;
// the guard only ever reads them.
type QuietWindow struct {
	WeekdayStart string `json:"weekday_start"`
	WeekdayEnd   string `json:"weekday_end"`
	WeekendStart string `json:"weekend_start"`
	WeekendEnd   string `json:"weekend_end"`
	Timezone     string `json:"timezone"`
	Adaptive     bool   `json:"adaptive"`
}

// DeviceToken is a push registration owned exclusively by its profile.
type DeviceToken struct {
	Platform string `json:"platform"` // apns, fcm, web
	Token    string `json:"token"`
}

// CategorySettings is the per-category preference record. The engine
// validates the category key against KnownCategories at ingest instead of
// accepting a free-form map.
type CategorySettings struct {
	Enabled   bool `json:"enabled"`
	MuteLow   bool `json:"mute_low"`   // drop Low tier into Background handling
	SMSBackup bool `json:"sms_backup"` // also deliver High tier via SMS
}

// CaregiverProfile is the engine's read-model of a caregiver.
type CaregiverProfile struct {
	CaregiverID  string                        `json:"caregiver_id"`
	FamilyID     string                        `json:"family_id"`
	Role         Role                          `json:"role"`
	Quiet        QuietWindow                   `json:"quiet_hours"`
	Devices      []DeviceToken                 `json:"devices"`
	Categories   map[Category]CategorySettings `json:"categories,omitempty"`
	Email        string                        `json:"email,omitempty"`
	Phone        string                        `json:"phone,omitempty"`
	LastActiveAt time.Time                     `json:"last_active_at"`
}

// CoordinationState is the per-family mutable record behind the
// coordinator's single-writer discipline. It carries an explicit activity
// timestamp; past the stale TTL the state is invalidated and the active
// caregiver is re-elected on the next event.
type CoordinationState struct {
	FamilyID          string    `json:"family_id"`
	ActiveCaregiverID string    `json:"active_caregiver_id"`
	ActiveSince       time.Time `json:"active_since"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}

// Stale reports whether the state should be invalidated and re-elected.
func (s *CoordinationState) Stale(now time.Time, ttl time.Duration) bool {
	if s == nil || s.ActiveCaregiverID == "" {
		return true
	}
	ref := s.LastActivityAt
	if ref.IsZero() {
		ref = s.ActiveSince
	}
	return now.Sub(ref) > ttl
}

// Action is the decision verb emitted for a request.
type Action string

const (
	ActionDeliverNow Action = "deliver_now"
	ActionHoldUntil  Action = "hold_until"
	ActionBatchInto  Action = "batch_into"
	ActionSuppress   Action = "suppress"
)

// HandoffState tracks acknowledgment escalation for a directed delivery.
type HandoffState string

const (
	HandoffNone           HandoffState = ""
	HandoffUnacknowledged HandoffState = "unacknowledged"
	HandoffEscalating     HandoffState = "escalating"
	HandoffAcknowledged   HandoffState = "acknowledged"
	HandoffExpired        HandoffState = "expired"
)

// DeliveryDecision is the engine's sole externally visible output. Exactly
// one is produced per request; suppression is itself a decision. Targets
// holds a single caregiver for routed deliveries and the full roster for
// emergency fan-out. During handoff the decision is re-published with the
// next target while the prior attempt is marked expired; the record itself
// stays one-per-request.
type DeliveryDecision struct {
	RequestID   string       `json:"request_id"`
	FamilyID    string       `json:"family_id"`
	Tier        PriorityTier `json:"tier"`
	Targets     []string     `json:"targets"`
	Action      Action       `json:"action"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	Reason      string       `json:"reason"`
	Handoff     HandoffState `json:"handoff_state,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// RequestStatus is the observable lifecycle of an accepted request.
type RequestStatus string

const (
	StatusReceived   RequestStatus = "received"
	StatusHeld       RequestStatus = "held"
	StatusBatched    RequestStatus = "batched"
	StatusDecided    RequestStatus = "decided"
	StatusDispatched RequestStatus = "dispatched"
	StatusSuppressed RequestStatus = "suppressed"
	StatusCancelled  RequestStatus = "cancelled"
	StatusExhausted  RequestStatus = "exhausted"
)

// PendingQueueEntry is a request awaiting a digest flush. Standard entries
// keep FIFO order inside a digest; Background entries ride whichever digest
// comes next.
type PendingQueueEntry struct {
	RequestID  string       `json:"request_id"`
	Tier       PriorityTier `json:"tier"`
	Target     string       `json:"target"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	// NotBefore keeps an entry out of flushes that fire before its
	// quiet-hours or optimizer-suggested time.
	NotBefore time.Time `json:"not_before"`
}

// DecisionMessage kinds.
const (
	MessageDirect = "direct"
	MessageDigest = "digest"
)

// DecisionMessage is the wire envelope published to the delivery queue and
// consumed by the dispatcher. A direct message carries exactly one
// decision; a digest message carries the flushed entries for one target
// caregiver in arrival order.
type DecisionMessage struct {
	Kind     string              `json:"kind"`
	Decision *DeliveryDecision   `json:"decision,omitempty"`
	DigestID string              `json:"digest_id,omitempty"`
	FamilyID string              `json:"family_id,omitempty"`
	Target   string              `json:"target,omitempty"`
	Entries  []PendingQueueEntry `json:"entries,omitempty"`
	Attempt  int                 `json:"attempt"`
}

// OperatorAlert is published on the ops queue for conditions that must
// never be silent: emergency-path failures, escalation exhaustion, and
// permanent dispatch failures.
type OperatorAlert struct {
	Severity  string            `json:"severity"` // critical, warning
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	FamilyID  string            `json:"family_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	At        time.Time         `json:"at"`
}
