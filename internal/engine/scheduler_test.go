package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureSink struct {
	mu       sync.Mutex
	messages []*DecisionMessage
	err      error
}

func (s *captureSink) Publish(ctx context.Context, msg *DecisionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *captureSink) all() []*DecisionMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DecisionMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

func TestFlushPreservesArrivalOrder(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	s := NewScheduler(DefaultConfig(), sink, func() time.Time { return now })
	defer s.Stop()

	for i, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		s.Enqueue("fam-1", PendingQueueEntry{
			RequestID:  id,
			Tier:       TierStandard,
			Target:     "cg-1",
			EnqueuedAt: now.Add(time.Duration(i) * time.Second),
		})
	}

	s.Flush(context.Background(), "fam-1")

	msgs := sink.all()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 digest, got %d", len(msgs))
	}
	msg := msgs[0]
	if msg.Kind != MessageDigest || msg.Target != "cg-1" {
		t.Fatalf("unexpected digest envelope: %+v", msg)
	}
	if len(msg.Entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(msg.Entries))
	}
	for i, want := range []string{"r1", "r2", "r3", "r4", "r5"} {
		if msg.Entries[i].RequestID != want {
			t.Errorf("entries[%d] = %s, want %s", i, msg.Entries[i].RequestID, want)
		}
	}
}

func TestFlushSplitsPerTarget(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	s := NewScheduler(DefaultConfig(), sink, func() time.Time { return now })
	defer s.Stop()

	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r1", Tier: TierStandard, Target: "cg-a"})
	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r2", Tier: TierLow, Target: "cg-b"})
	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r3", Tier: TierStandard, Target: "cg-a"})

	s.Flush(context.Background(), "fam-1")

	msgs := sink.all()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 digests, got %d", len(msgs))
	}
	byTarget := map[string]int{}
	for _, m := range msgs {
		byTarget[m.Target] = len(m.Entries)
	}
	if byTarget["cg-a"] != 2 || byTarget["cg-b"] != 1 {
		t.Errorf("unexpected split: %v", byTarget)
	}
}

func TestFlushHonorsNotBefore(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	s := NewScheduler(DefaultConfig(), sink, func() time.Time { return now })
	defer s.Stop()

	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "due", Tier: TierStandard, Target: "cg-1"})
	s.Enqueue("fam-1", PendingQueueEntry{
		RequestID: "held",
		Tier:      TierStandard,
		Target:    "cg-1",
		NotBefore: now.Add(2 * time.Hour),
	})

	s.Flush(context.Background(), "fam-1")

	msgs := sink.all()
	if len(msgs) != 1 || len(msgs[0].Entries) != 1 || msgs[0].Entries[0].RequestID != "due" {
		t.Fatalf("expected only the due entry flushed, got %+v", msgs)
	}
	pending := s.Pending("fam-1")
	if len(pending) != 1 || pending[0].RequestID != "held" {
		t.Errorf("expected held entry still queued, got %+v", pending)
	}
}

func TestFlushRequeuesOnPublishError(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	sink := &captureSink{err: errors.New("broker down")}
	s := NewScheduler(DefaultConfig(), sink, func() time.Time { return now })
	defer s.Stop()

	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r1", Tier: TierStandard, Target: "cg-1"})
	s.Flush(context.Background(), "fam-1")

	if pending := s.Pending("fam-1"); len(pending) != 1 {
		t.Errorf("expected entry requeued after publish failure, got %+v", pending)
	}
}

func TestRemove(t *testing.T) {
	sink := &captureSink{}
	s := NewScheduler(DefaultConfig(), sink, nil)
	defer s.Stop()

	s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r1", Target: "cg-1"})
	if !s.Remove("fam-1", "r1") {
		t.Error("expected Remove to find the entry")
	}
	if s.Remove("fam-1", "r1") {
		t.Error("expected second Remove to be a no-op")
	}
	if pending := s.Pending("fam-1"); len(pending) != 0 {
		t.Errorf("expected empty queue, got %+v", pending)
	}
}

func TestEnqueueReportsFlushTime(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	sink := &captureSink{}
	s := NewScheduler(cfg, sink, func() time.Time { return now })
	defer s.Stop()

	at := s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r1", Target: "cg-1"})
	if !at.Equal(now.Add(cfg.DigestFlushInterval)) {
		t.Errorf("flush time = %v, want %v", at, now.Add(cfg.DigestFlushInterval))
	}

	late := now.Add(3 * time.Hour)
	at = s.Enqueue("fam-1", PendingQueueEntry{RequestID: "r2", Target: "cg-1", NotBefore: late})
	if !at.Equal(late) {
		t.Errorf("flush time for held entry = %v, want %v", at, late)
	}
}
