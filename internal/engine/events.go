package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the care event that produced a notification request.
type EventType string

const (
	// Diaper events
	EventDiaperChangeDue EventType = "diaper.change_due"
	EventDiaperOverdue   EventType = "diaper.overdue"

	// Inventory events
	EventInventoryLow EventType = "inventory.low"
	EventInventoryOut EventType = "inventory.out"

	// Milestone events
	EventMilestoneReached EventType = "milestone.reached"

	// System events
	EventSensorOffline EventType = "sensor.offline"
	EventSensorBattery EventType = "sensor.battery_low"

	// Medical events
	EventMedicalAnomaly  EventType = "medical.anomaly"
	EventMedicalReminder EventType = "medical.reminder"
)

// eventCategory maps an event type to its notification category. Unknown
// event types fall back to the system category so they still flow through
// the pipeline rather than being dropped at ingest.
var eventCategory = map[EventType]Category{
	EventDiaperChangeDue:  CategoryDiaper,
	EventDiaperOverdue:    CategoryDiaper,
	EventInventoryLow:     CategoryInventory,
	EventInventoryOut:     CategoryInventory,
	EventMilestoneReached: CategoryMilestone,
	EventSensorOffline:    CategorySystem,
	EventSensorBattery:    CategorySystem,
	EventMedicalAnomaly:   CategoryMedical,
	EventMedicalReminder:  CategoryMedical,
}

// CareEvent is the envelope for all care events consumed from the event
// stream. Data stays opaque to the engine and is carried through to the
// dispatcher as the request payload.
type CareEvent struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	FamilyID  string          `json:"family_id"`
	ChildID   string          `json:"child_id"`
	Severity  float64         `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseCareEvent decodes a raw event stream message.
func ParseCareEvent(raw []byte) (*CareEvent, error) {
	var ev CareEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode care event: %w", err)
	}
	if ev.Type == "" {
		return nil, &ClassificationError{Field: "type", Detail: "missing event type"}
	}
	return &ev, nil
}

// ToRequest converts a care event into the pipeline's unit of work.
func (ev *CareEvent) ToRequest() *NotificationRequest {
	cat, ok := eventCategory[ev.Type]
	if !ok {
		cat = CategorySystem
	}
	created := ev.Timestamp
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &NotificationRequest{
		FamilyID:     ev.FamilyID,
		ChildID:      ev.ChildID,
		Category:     cat,
		SeverityHint: ev.Severity,
		Payload:      ev.Data,
		CreatedAt:    created,
	}
}
