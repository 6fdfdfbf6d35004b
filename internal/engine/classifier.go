package engine

// Classifier maps an incoming request to a priority tier. It is a pure
// function over category and severity hint; the mapping is a static table
// so an auditor can read exactly why a request paged someone at 03:00.
type Classifier struct {
	emergencyThreshold float64
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{emergencyThreshold: cfg.EmergencySeverityThreshold}
}

// baseTier is the static category table. Severity hints shift a category
// at most one tier up; only medical/system safety categories can reach
// Emergency, and only via the audited threshold.
var baseTier = map[Category]PriorityTier{
	CategoryMedical:   TierHigh,
	CategorySystem:    TierStandard,
	CategoryDiaper:    TierStandard,
	CategoryInventory: TierLow,
	CategoryMilestone: TierBackground,
}

// Classify derives the priority tier for a request. Unknown categories
// default to Standard: failing toward visibility, not silence.
func (c *Classifier) Classify(req *NotificationRequest) PriorityTier {
	tier, ok := baseTier[req.Category]
	if !ok {
		return TierStandard
	}

	switch req.Category {
	case CategoryMedical, CategorySystem:
		if req.SeverityHint >= c.emergencyThreshold {
			return TierEmergency
		}
	}

	// A strong hint promotes one tier without ever reaching Emergency.
	if req.SeverityHint >= 0.5 {
		switch tier {
		case TierStandard:
			return TierHigh
		case TierLow:
			return TierStandard
		case TierBackground:
			return TierLow
		}
	}
	return tier
}
