package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verdict is the quiet-hours guard's answer for one caregiver.
type Verdict struct {
	Deliver   bool
	HoldUntil time.Time
}

func deliverNow() Verdict { return Verdict{Deliver: true} }

func holdUntil(t time.Time) Verdict { return Verdict{HoldUntil: t} }

// QuietHoursGuard evaluates a caregiver's sleep window. Adaptive windows
// are resolved upstream by the behavioral-learning collaborator and appear
// here as ordinary bounds; the guard never computes them.
type QuietHoursGuard struct{}

func NewQuietHoursGuard() *QuietHoursGuard {
	return &QuietHoursGuard{}
}

// Evaluate decides hold-or-deliver for a single caregiver at the given
// instant. Emergency tier always delivers; the pipeline short-circuits
// before this stage, this is belt-and-braces for direct callers.
func (g *QuietHoursGuard) Evaluate(tier PriorityTier, profile *CaregiverProfile, now time.Time) Verdict {
	if tier == TierEmergency {
		return deliverNow()
	}
	end, inside := g.windowEnd(&profile.Quiet, now)
	if !inside {
		return deliverNow()
	}
	return holdUntil(end)
}

// Sleeping reports whether a caregiver is inside their quiet window. The
// coordinator uses this to skip sleeping caregivers during promotion.
func (g *QuietHoursGuard) Sleeping(profile *CaregiverProfile, now time.Time) bool {
	_, inside := g.windowEnd(&profile.Quiet, now)
	return inside
}

// windowEnd resolves the applicable window for now's weekday and, when now
// is inside it, returns the instant the window ends. Overnight windows
// (start > end, e.g. 22:30-07:00) span midnight; the tail of such a window
// belongs to the previous day's bounds.
func (g *QuietHoursGuard) windowEnd(w *QuietWindow, now time.Time) (time.Time, bool) {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	// Today's window.
	if end, inside := windowEndOnDay(w, local, local); inside {
		return end, true
	}
	// Yesterday's window may still be running if it crosses midnight.
	yesterday := local.AddDate(0, 0, -1)
	if end, inside := windowEndOnDay(w, yesterday, local); inside {
		return end, true
	}
	return time.Time{}, false
}

// windowEndOnDay anchors the window whose start falls on day and checks
// whether at is inside it.
func windowEndOnDay(w *QuietWindow, day, at time.Time) (time.Time, bool) {
	start, end := w.WeekdayStart, w.WeekdayEnd
	if isWeekend(day.Weekday()) {
		start, end = w.WeekendStart, w.WeekendEnd
	}
	if start == "" || end == "" {
		return time.Time{}, false
	}
	startH, startM, err := parseClock(start)
	if err != nil {
		return time.Time{}, false
	}
	endH, endM, err := parseClock(end)
	if err != nil {
		return time.Time{}, false
	}

	from := time.Date(day.Year(), day.Month(), day.Day(), startH, startM, 0, 0, day.Location())
	to := time.Date(day.Year(), day.Month(), day.Day(), endH, endM, 0, 0, day.Location())
	if !to.After(from) {
		to = to.AddDate(0, 0, 1) // overnight window
	}
	if (at.Equal(from) || at.After(from)) && at.Before(to) {
		return to, true
	}
	return time.Time{}, false
}

// ValidateQuietWindow rejects malformed bounds before they reach a
// profile. Empty bounds are allowed and mean "no window".
func ValidateQuietWindow(w QuietWindow) error {
	for _, s := range []string{w.WeekdayStart, w.WeekdayEnd, w.WeekendStart, w.WeekendEnd} {
		if s == "" {
			continue
		}
		if _, _, err := parseClock(s); err != nil {
			return &ClassificationError{Field: "quiet_hours", Detail: err.Error()}
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return &ClassificationError{Field: "quiet_hours", Detail: fmt.Sprintf("bad timezone %q", w.Timezone)}
		}
	}
	return nil
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// parseClock parses "HH:MM".
func parseClock(s string) (int, int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad clock value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("bad minute in %q", s)
	}
	return h, m, nil
}
