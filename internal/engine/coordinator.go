package engine

import (
	"context"
	"sort"
	"time"
)

// Resolution is the coordinator's answer for one request: who the decision
// targets and the state it left behind.
type Resolution struct {
	Targets   []string
	Broadcast bool
	Active    *CaregiverProfile
	Roster    []*CaregiverProfile
}

// Coordinator tracks which caregiver is on duty per family, elects a
// replacement when the active one goes stale or is asleep, and drives the
// acknowledgment handoff. All calls for one family are serialized by the
// pipeline's per-family actor; the coordinator itself holds no locks.
type Coordinator struct {
	profiles ProfileStore
	state    StateStore
	guard    *QuietHoursGuard
	cfg      Config
}

func NewCoordinator(profiles ProfileStore, state StateStore, guard *QuietHoursGuard, cfg Config) *Coordinator {
	return &Coordinator{profiles: profiles, state: state, guard: guard, cfg: cfg}
}

// Roster returns the family's caregivers ordered by promotion priority
// (primary > backup > professional), ties broken by ID for determinism.
func (c *Coordinator) Roster(ctx context.Context, familyID string) ([]*CaregiverProfile, error) {
	roster, err := c.profiles.FamilyProfiles(ctx, familyID)
	if err != nil {
		return nil, err
	}
	sort.Slice(roster, func(i, j int) bool {
		pi, pj := rolePriority(roster[i].Role), rolePriority(roster[j].Role)
		if pi != pj {
			return pi < pj
		}
		return roster[i].CaregiverID < roster[j].CaregiverID
	})
	return roster, nil
}

// Resolve picks the target caregiver(s) for a request. Emergency tier
// never consults coordination state: it broadcasts to the whole roster.
// For every other tier the active caregiver wins unless the state is
// stale or they are inside their own quiet window, in which case the next
// available caregiver is promoted and the state updated.
func (c *Coordinator) Resolve(ctx context.Context, req *NotificationRequest, tier PriorityTier, now time.Time) (*Resolution, error) {
	roster, err := c.Roster(ctx, req.FamilyID)
	if err != nil {
		return nil, err
	}
	if len(roster) == 0 {
		return nil, &ClassificationError{Field: "family_id", Detail: "no registered caregivers"}
	}

	if tier == TierEmergency {
		targets := make([]string, 0, len(roster))
		for _, p := range roster {
			targets = append(targets, p.CaregiverID)
		}
		return &Resolution{Targets: targets, Broadcast: true, Roster: roster}, nil
	}

	state, err := c.state.LoadCoordinationState(ctx, req.FamilyID)
	if err != nil {
		return nil, err
	}

	if state != nil && !state.Stale(now, c.cfg.StaleCaregiverTTL) {
		if active := findProfile(roster, state.ActiveCaregiverID); active != nil && !c.guard.Sleeping(active, now) {
			return &Resolution{Targets: []string{active.CaregiverID}, Active: active, Roster: roster}, nil
		}
	}

	promoted := c.promote(roster, now, nil)
	state = &CoordinationState{
		FamilyID:          req.FamilyID,
		ActiveCaregiverID: promoted.CaregiverID,
		ActiveSince:       now,
		LastActivityAt:    now,
	}
	if err := c.state.SaveCoordinationState(ctx, state, c.cfg.StaleCaregiverTTL); err != nil {
		return nil, err
	}
	return &Resolution{Targets: []string{promoted.CaregiverID}, Active: promoted, Roster: roster}, nil
}

// NextTarget returns the next caregiver by role priority that has not been
// tried yet, or nil when the roster is exhausted.
func (c *Coordinator) NextTarget(roster []*CaregiverProfile, tried map[string]bool) *CaregiverProfile {
	for _, p := range roster {
		if !tried[p.CaregiverID] {
			return p
		}
	}
	return nil
}

// RecordAck registers a caregiver acknowledgment as a fresh activity
// signal and makes the acking caregiver the active one.
func (c *Coordinator) RecordAck(ctx context.Context, familyID, caregiverID string, now time.Time) error {
	state := &CoordinationState{
		FamilyID:          familyID,
		ActiveCaregiverID: caregiverID,
		ActiveSince:       now,
		LastActivityAt:    now,
	}
	return c.state.SaveCoordinationState(ctx, state, c.cfg.StaleCaregiverTTL)
}

// promote picks the highest-priority caregiver that is awake and not in
// skip. When everyone is asleep the highest-priority caregiver wins anyway;
// the quiet-hours guard will hold the delivery rather than lose it.
func (c *Coordinator) promote(roster []*CaregiverProfile, now time.Time, skip map[string]bool) *CaregiverProfile {
	for _, p := range roster {
		if skip[p.CaregiverID] {
			continue
		}
		if !c.guard.Sleeping(p, now) {
			return p
		}
	}
	for _, p := range roster {
		if !skip[p.CaregiverID] {
			return p
		}
	}
	return roster[0]
}

func findProfile(roster []*CaregiverProfile, id string) *CaregiverProfile {
	if id == "" {
		return nil
	}
	for _, p := range roster {
		if p.CaregiverID == id {
			return p
		}
	}
	return nil
}
