package engine

// OverrideGate is the single place where "fan-out to one" becomes
// "fan-out to all". Emergency tier bypasses quiet hours and coordinator
// suppression, but not deduplication: an emergency reaches every
// registered caregiver simultaneously, and exactly once.
type OverrideGate struct{}

func NewOverrideGate() *OverrideGate {
	return &OverrideGate{}
}

// ShouldOverride reports whether the tier escapes quiet-hours and
// active-caregiver restriction.
func (g *OverrideGate) ShouldOverride(tier PriorityTier) bool {
	return tier == TierEmergency
}
