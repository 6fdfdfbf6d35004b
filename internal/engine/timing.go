package engine

import (
	"context"
	"log"
	"time"
)

// TimingOptimizer shifts Standard/Low deliveries toward historically
// high-engagement windows using the external scoring collaborator. It is
// strictly advisory: Emergency/High timing is never touched, and any
// scorer trouble falls back to the scheduler's default digest time.
type TimingOptimizer struct {
	scorer Scorer
	// candidateStep is the sampling granularity across the delay window.
	candidateStep time.Duration
	// maxCandidates bounds how many steps past earliest get scored. The
	// scan runs on the submit path while the family lock is held, so it
	// must stay short even when the scorer is slow.
	maxCandidates int
	// scanBudget caps the wall time of a whole scan.
	scanBudget time.Duration
}

func NewTimingOptimizer(scorer Scorer) *TimingOptimizer {
	return &TimingOptimizer{
		scorer:        scorer,
		candidateStep: 30 * time.Minute,
		maxCandidates: 8,
		scanBudget:    5 * time.Second,
	}
}

// SuggestTime returns the best delivery time in [earliest, latest] for the
// caregiver, where latest is the earlier of local end of day and
// maxCandidates steps past earliest. The returned time is never before
// earliest.
func (o *TimingOptimizer) SuggestTime(ctx context.Context, tier PriorityTier, caregiverID string, earliest time.Time) time.Time {
	if tier != TierStandard && tier != TierLow {
		return earliest
	}
	if o.scorer == nil {
		return earliest
	}

	ctx, cancel := context.WithTimeout(ctx, o.scanBudget)
	defer cancel()

	latest := endOfDay(earliest)
	best := earliest
	bestScore, err := o.scorer.Score(ctx, caregiverID, earliest)
	if err != nil {
		log.Printf("Behavioral scorer unavailable for %s, using digest time: %v", caregiverID, err)
		return earliest
	}

	scored := 0
	for t := earliest.Add(o.candidateStep); !t.After(latest) && scored < o.maxCandidates; t = t.Add(o.candidateStep) {
		scored++
		score, err := o.scorer.Score(ctx, caregiverID, t)
		if err != nil {
			// Partial scorer failure: keep the best seen so far rather
			// than blocking delivery.
			log.Printf("Behavioral scorer failed mid-scan for %s: %v", caregiverID, err)
			break
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
