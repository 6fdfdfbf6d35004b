package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sproutcare/notify-engine/internal/engine"
	"github.com/sproutcare/notify-engine/pkg/monitoring"
)

// Result is the dispatch outcome reported back on the engine boundary.
type Result string

const (
	ResultSuccess   Result = "success"
	ResultTransient Result = "transient_failure"
	ResultPermanent Result = "permanent_failure"
)

// Worker consumes finalized decision messages and hands them to channel
// drivers. Dispatch is idempotent per (requestID, caregiverID): replays
// after a crash or queue redelivery never reach a caregiver twice.
type Worker struct {
	registry    *Registry
	profiles    engine.ProfileStore
	repo        *Repository
	rdb         *redis.Client
	feed        *OpsFeed
	maxAttempts int
}

func NewWorker(registry *Registry, profiles engine.ProfileStore, repo *Repository, rdb *redis.Client, feed *OpsFeed, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Worker{
		registry:    registry,
		profiles:    profiles,
		repo:        repo,
		rdb:         rdb,
		feed:        feed,
		maxAttempts: maxAttempts,
	}
}

// ProcessMessage handles one queue delivery. Returning an error nacks the
// message; poison messages land on the broker DLQ.
func (w *Worker) ProcessMessage(ctx context.Context, body []byte) error {
	var msg engine.DecisionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal decision message: %w", err)
	}

	switch msg.Kind {
	case engine.MessageDirect:
		if msg.Decision == nil {
			return fmt.Errorf("direct message without decision")
		}
		title, content := renderDirect(msg.Decision)
		var firstErr error
		for _, target := range msg.Decision.Targets {
			if err := w.deliver(ctx, msg.Decision.RequestID, target, title, content, msg.Decision.Tier); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if firstErr == nil {
			w.repo.MarkDispatched(ctx, msg.Decision.RequestID)
		}
		return firstErr
	case engine.MessageDigest:
		title, content := renderDigest(msg.Entries)
		if err := w.deliver(ctx, msg.DigestID, msg.Target, title, content, engine.TierStandard); err != nil {
			return err
		}
		for _, entry := range msg.Entries {
			w.repo.MarkDispatched(ctx, entry.RequestID)
		}
		return nil
	default:
		return fmt.Errorf("unknown message kind %q", msg.Kind)
	}
}

// deliver sends one notification to one caregiver with retry and
// dead-letter semantics. The key for idempotency is the delivery unit
// (request or digest) plus the caregiver.
func (w *Worker) deliver(ctx context.Context, unitID, caregiverID, title, content string, tier engine.PriorityTier) error {
	idemKey := fmt.Sprintf("dispatch:sent:%s:%s", unitID, caregiverID)
	if w.rdb != nil {
		exists, err := w.rdb.Exists(ctx, idemKey).Result()
		if err != nil {
			log.Printf("Redis error checking dispatch idempotency: %v", err)
		} else if exists > 0 {
			log.Printf("Delivery %s to %s already dispatched (idempotent skip)", unitID, caregiverID)
			return nil
		}
	}

	profile, err := w.profiles.LoadCaregiverProfile(ctx, caregiverID)
	if err != nil {
		return fmt.Errorf("failed to load caregiver %s: %w", caregiverID, err)
	}
	if profile == nil {
		// The profile row is gone (deleted caregiver, replayed digest).
		// Permanent for this target: dead-letter instead of poisoning the
		// queue message.
		w.deadLetter(ctx, unitID, caregiverID, tier,
			fmt.Errorf("%w: caregiver %s has no profile", engine.ErrDispatchPermanent, caregiverID))
		return nil
	}
	driver, err := w.registry.ForProfile(profile)
	if err != nil {
		w.deadLetter(ctx, unitID, caregiverID, tier, err)
		return nil // permanent: dead-lettered, do not requeue
	}

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		start := time.Now()
		err := driver.Send(ctx, profile, title, content)
		monitoring.DispatchDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			monitoring.DispatchAttempts.WithLabelValues(string(driver.Channel()), string(ResultSuccess)).Inc()
			if w.rdb != nil {
				w.rdb.Set(ctx, idemKey, "1", 7*24*time.Hour)
			}
			log.Printf("Dispatched %s to %s via %s", unitID, caregiverID, driver.Channel())
			return nil
		}

		if errors.Is(err, engine.ErrDispatchPermanent) {
			monitoring.DispatchAttempts.WithLabelValues(string(driver.Channel()), string(ResultPermanent)).Inc()
			w.deadLetter(ctx, unitID, caregiverID, tier, err)
			return nil
		}

		monitoring.DispatchAttempts.WithLabelValues(string(driver.Channel()), string(ResultTransient)).Inc()
		if attempt == w.maxAttempts {
			break
		}
		delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		log.Printf("Transient dispatch failure for %s (attempt %d/%d), retrying in %v: %v",
			unitID, attempt, w.maxAttempts, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	w.deadLetter(ctx, unitID, caregiverID, tier,
		fmt.Errorf("%w: retries exhausted after %d attempts", engine.ErrDispatchPermanent, w.maxAttempts))
	return nil
}

// deadLetter records a permanently failed delivery where an operator will
// see it. Failures on the emergency path additionally raise a critical
// alert; they are never just a log line.
func (w *Worker) deadLetter(ctx context.Context, unitID, caregiverID string, tier engine.PriorityTier, cause error) {
	monitoring.DeadLetters.Inc()
	log.Printf("Dead-lettering delivery %s to %s: %v", unitID, caregiverID, cause)
	if err := w.repo.SaveDeadLetter(ctx, &DeadLetter{
		RequestID:   unitID,
		CaregiverID: caregiverID,
		Tier:        tier,
		Reason:      cause.Error(),
	}); err != nil {
		log.Printf("Failed to persist dead letter for %s: %v", unitID, err)
	}

	severity := "warning"
	if tier == engine.TierEmergency {
		severity = "critical"
	}
	if w.feed != nil {
		w.feed.Broadcast(&engine.OperatorAlert{
			Severity:  severity,
			Kind:      "dispatch-dead-letter",
			Message:   cause.Error(),
			RequestID: unitID,
			Fields:    map[string]string{"caregiver_id": caregiverID, "tier": string(tier)},
			At:        time.Now(),
		})
	}
}

// ProcessAlert fans an engine-side operator alert out to the ops feed.
func (w *Worker) ProcessAlert(ctx context.Context, body []byte) error {
	var alert engine.OperatorAlert
	if err := json.Unmarshal(body, &alert); err != nil {
		return fmt.Errorf("failed to unmarshal operator alert: %w", err)
	}
	log.Printf("ALERT [%s] %s: %s", alert.Severity, alert.Kind, alert.Message)
	if w.feed != nil {
		w.feed.Broadcast(&alert)
	}
	return nil
}
