package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// familyActor is the single serialization point for one family: every
// decision for the family is produced while holding its mutex, so two
// concurrent evaluations can never both elect themselves "the decision for
// this request". Contention is bounded to simultaneous events for the same
// family, which is rare.
type familyActor struct {
	familyID string
	mu       sync.Mutex

	// queue holds batched Standard/Low/Background entries in arrival
	// order. FIFO order within a digest is an invariant for Standard.
	queue      []PendingQueueEntry
	flushTimer *time.Timer
	nextFlush  time.Time
}

// Scheduler batches Standard/Low tier decisions into per-family digests
// flushed at most once per interval, and re-arms flush timers for entries
// held past the current flush by quiet hours or the timing optimizer.
type Scheduler struct {
	cfg  Config
	sink DecisionSink
	now  func() time.Time

	mu     sync.Mutex
	actors map[string]*familyActor

	// onFlush lets the engine update request statuses after a digest
	// goes out.
	onFlush func(ctx context.Context, familyID string, entries []PendingQueueEntry)

	closed chan struct{}
}

func NewScheduler(cfg Config, sink DecisionSink, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		cfg:    cfg,
		sink:   sink,
		now:    now,
		actors: make(map[string]*familyActor),
		closed: make(chan struct{}),
	}
}

// SetFlushHook installs the post-flush callback. Must be called before the
// first Enqueue.
func (s *Scheduler) SetFlushHook(hook func(ctx context.Context, familyID string, entries []PendingQueueEntry)) {
	s.onFlush = hook
}

// Actor returns the family's actor, creating it on first use.
func (s *Scheduler) Actor(familyID string) *familyActor {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[familyID]
	if !ok {
		a = &familyActor{familyID: familyID}
		s.actors[familyID] = a
	}
	return a
}

// Lock serializes pipeline work for a family and returns the unlock func.
func (s *Scheduler) Lock(familyID string) func() {
	a := s.Actor(familyID)
	a.mu.Lock()
	return a.mu.Unlock
}

// Enqueue adds a batched entry to the family digest and returns the time
// the digest carrying it will flush. Caller must hold the family lock.
func (s *Scheduler) Enqueue(familyID string, entry PendingQueueEntry) time.Time {
	a := s.Actor(familyID)
	a.queue = append(a.queue, entry)

	now := s.now()
	if a.flushTimer == nil || a.nextFlush.Before(now) {
		a.nextFlush = now.Add(s.cfg.DigestFlushInterval)
		s.armFlush(a, s.cfg.DigestFlushInterval)
	}
	if entry.NotBefore.After(a.nextFlush) {
		return entry.NotBefore
	}
	return a.nextFlush
}

// Remove drops a batched entry, used by idempotent cancellation. Caller
// must hold the family lock. Returns whether the entry was still queued.
func (s *Scheduler) Remove(familyID, requestID string) bool {
	a := s.Actor(familyID)
	for i, e := range a.queue {
		if e.RequestID == requestID {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Scheduler) armFlush(a *familyActor, d time.Duration) {
	if a.flushTimer != nil {
		a.flushTimer.Stop()
	}
	a.flushTimer = time.AfterFunc(d, func() {
		select {
		case <-s.closed:
			return
		default:
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		s.Flush(context.Background(), a.familyID)
	})
}

// Flush emits every due entry as one digest per target caregiver,
// preserving arrival order, and re-arms the timer for whatever remains.
// Caller must hold the family lock.
func (s *Scheduler) Flush(ctx context.Context, familyID string) {
	a := s.Actor(familyID)
	now := s.now()

	var due, held []PendingQueueEntry
	for _, e := range a.queue {
		if e.NotBefore.After(now) {
			held = append(held, e)
		} else {
			due = append(due, e)
		}
	}
	a.queue = held

	if len(due) > 0 {
		// One digest per target; order within each digest follows arrival.
		byTarget := make(map[string][]PendingQueueEntry)
		var targets []string
		for _, e := range due {
			if _, seen := byTarget[e.Target]; !seen {
				targets = append(targets, e.Target)
			}
			byTarget[e.Target] = append(byTarget[e.Target], e)
		}
		for _, target := range targets {
			msg := &DecisionMessage{
				Kind:     MessageDigest,
				DigestID: uuid.New().String(),
				FamilyID: familyID,
				Target:   target,
				Entries:  byTarget[target],
			}
			if err := s.sink.Publish(ctx, msg); err != nil {
				log.Printf("Failed to publish digest for family %s: %v, requeueing", familyID, err)
				a.queue = append(byTarget[target], a.queue...)
				continue
			}
			if s.onFlush != nil {
				s.onFlush(ctx, familyID, byTarget[target])
			}
		}
	}

	// Re-arm: earliest of the default interval and any held NotBefore.
	if len(a.queue) > 0 {
		next := now.Add(s.cfg.DigestFlushInterval)
		for _, e := range a.queue {
			if e.NotBefore.After(now) && e.NotBefore.Before(next) {
				next = e.NotBefore
			}
		}
		a.nextFlush = next
		s.armFlush(a, next.Sub(now))
	} else {
		if a.flushTimer != nil {
			a.flushTimer.Stop()
		}
		a.flushTimer = nil
	}
}

// Pending returns a copy of the family's queued entries, for tests and the
// status endpoint. Caller must hold the family lock.
func (s *Scheduler) Pending(familyID string) []PendingQueueEntry {
	a := s.Actor(familyID)
	out := make([]PendingQueueEntry, len(a.queue))
	copy(out, a.queue)
	return out
}

// Stop cancels all flush timers.
func (s *Scheduler) Stop() {
	close(s.closed)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.actors {
		a.mu.Lock()
		if a.flushTimer != nil {
			a.flushTimer.Stop()
			a.flushTimer = nil
		}
		a.mu.Unlock()
	}
}
