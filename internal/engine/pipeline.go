package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sproutcare/notify-engine/pkg/monitoring"
)

// Deps bundles the engine's collaborators.
type Deps struct {
	Profiles ProfileStore
	State    StateStore
	Repo     Repository
	Sink     DecisionSink
	Alerts   AlertSink
	Scorer   Scorer
	Now      func() time.Time
}

// Engine runs the delivery pipeline: classify, override-or-guard,
// coordinate, schedule, optimize, emit. Requests for different families
// are processed concurrently; everything for one family runs under that
// family's actor lock.
type Engine struct {
	cfg         Config
	classifier  *Classifier
	gate        *OverrideGate
	guard       *QuietHoursGuard
	coordinator *Coordinator
	optimizer   *TimingOptimizer
	scheduler   *Scheduler
	state       StateStore
	repo        Repository
	sink        DecisionSink
	alerts      AlertSink
	now         func() time.Time

	mu          sync.Mutex
	escalations map[string]*escalation
	holds       map[string]*time.Timer
	stopped     bool
}

// escalation tracks the acknowledgment handoff for one directed delivery.
type escalation struct {
	dec    *DeliveryDecision
	state  HandoffState
	tried  map[string]bool
	roster []*CaregiverProfile
	timer  *time.Timer
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	guard := NewQuietHoursGuard()
	e := &Engine{
		cfg:         cfg,
		classifier:  NewClassifier(cfg),
		gate:        NewOverrideGate(),
		guard:       guard,
		coordinator: NewCoordinator(deps.Profiles, deps.State, guard, cfg),
		optimizer:   NewTimingOptimizer(deps.Scorer),
		scheduler:   NewScheduler(cfg, deps.Sink, deps.Now),
		state:       deps.State,
		repo:        deps.Repo,
		sink:        deps.Sink,
		alerts:      deps.Alerts,
		now:         deps.Now,
		escalations: make(map[string]*escalation),
		holds:       make(map[string]*time.Timer),
	}
	e.scheduler.SetFlushHook(e.afterFlush)
	return e
}

// Submit accepts a request, returning its ID synchronously. The eventual
// outcome is observable via Status, never by blocking the submitter.
// Submitting the same logical event twice inside the idempotency bucket
// returns the original request ID without re-running the pipeline.
func (e *Engine) Submit(ctx context.Context, req *NotificationRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = e.now()
	}

	key := ingestIdemKey(req, e.cfg.IngestIdempotencyBucket)
	existing, reserved, err := e.state.ReserveIngest(ctx, key, req.ID, 2*e.cfg.IngestIdempotencyBucket)
	if err != nil {
		// Idempotency is best effort when the marker store is down;
		// accepting a possible duplicate beats rejecting the event.
		log.Printf("Ingest idempotency check failed for %s: %v", req.ID, err)
	} else if !reserved {
		return existing, nil
	}

	if err := e.repo.CreateRequest(ctx, req, StatusReceived); err != nil {
		return "", fmt.Errorf("failed to persist request: %w", err)
	}

	unlock := e.scheduler.Lock(req.FamilyID)
	defer unlock()
	e.process(ctx, req)
	return req.ID, nil
}

// process runs the pipeline for one request. Caller holds the family lock.
func (e *Engine) process(ctx context.Context, req *NotificationRequest) {
	now := e.now()
	tier := e.classifier.Classify(req)

	// Deduplication applies to every tier, Emergency included: an
	// emergency must reach everyone, but only once.
	dup, err := e.state.Coalesce(ctx, req.FamilyID, req.ChildID, req.Category, req.ID, e.cfg.DuplicateCoalesceWindow)
	if err != nil {
		if !e.gate.ShouldOverride(tier) {
			e.failClosed(ctx, req, err)
			return
		}
		// Emergency fails open: losing dedup beats losing the alert.
		log.Printf("Coalesce check failed for emergency %s, proceeding without dedup: %v", req.ID, err)
		dup = false
	}
	if dup {
		e.finalizeSuppressed(ctx, req, tier, "duplicate-coalesced")
		return
	}

	res, err := e.coordinator.Resolve(ctx, req, tier, now)
	if err != nil {
		var cerr *ClassificationError
		if errors.As(err, &cerr) {
			e.finalizeSuppressed(ctx, req, tier, "no-registered-caregivers")
			if e.gate.ShouldOverride(tier) {
				e.alert(ctx, "critical", "emergency-undeliverable", req,
					"emergency request for family with no registered caregivers")
			}
			return
		}
		if e.gate.ShouldOverride(tier) {
			// Fail open: broadcast off the roster even when the
			// coordination store is down.
			roster, rerr := e.coordinator.Roster(ctx, req.FamilyID)
			if rerr != nil || len(roster) == 0 {
				e.alert(ctx, "critical", "emergency-path-failure", req,
					fmt.Sprintf("cannot resolve caregivers for emergency: %v", err))
				e.retryLater(ctx, req, e.cfg.StateRetryInterval/4)
				return
			}
			targets := make([]string, 0, len(roster))
			for _, p := range roster {
				targets = append(targets, p.CaregiverID)
			}
			res = &Resolution{Targets: targets, Broadcast: true, Roster: roster}
		} else {
			e.failClosed(ctx, req, err)
			return
		}
	}

	if e.gate.ShouldOverride(tier) {
		dec := e.newDecision(req, tier, res.Targets, ActionDeliverNow, now, "emergency-broadcast")
		dec.Handoff = HandoffUnacknowledged
		e.finalize(ctx, req.ID, dec, StatusDecided)
		e.publishDirect(ctx, dec, 1)
		e.trackEscalation(dec, res.Roster, setOf(res.Targets...))
		return
	}

	target := res.Targets[0]
	verdict := e.guard.Evaluate(tier, res.Active, now)

	if tier == TierHigh {
		if verdict.Deliver {
			dec := e.newDecision(req, tier, []string{target}, ActionDeliverNow, now, "active-caregiver")
			dec.Handoff = HandoffUnacknowledged
			e.finalize(ctx, req.ID, dec, StatusDecided)
			e.publishDirect(ctx, dec, 1)
			e.trackEscalation(dec, res.Roster, setOf(target))
			return
		}
		dec := e.newDecision(req, tier, []string{target}, ActionHoldUntil, verdict.HoldUntil, "quiet-hours")
		e.finalize(ctx, req.ID, dec, StatusHeld)
		e.armHold(dec)
		return
	}

	// Standard, Low and Background ride the family digest.
	var notBefore time.Time
	reason := "digest"
	if !verdict.Deliver {
		notBefore = verdict.HoldUntil
		reason = "quiet-hours"
	}
	if tier == TierStandard || tier == TierLow {
		earliest := now
		if notBefore.After(earliest) {
			earliest = notBefore
		}
		if suggested := e.optimizer.SuggestTime(ctx, tier, target, earliest); suggested.After(earliest) {
			notBefore = suggested
			reason = "optimal-timing"
		}
	}

	entry := PendingQueueEntry{
		RequestID:  req.ID,
		Tier:       tier,
		Target:     target,
		EnqueuedAt: now,
		NotBefore:  notBefore,
	}
	flushAt := e.scheduler.Enqueue(req.FamilyID, entry)
	scheduledAt := flushAt
	if notBefore.After(scheduledAt) {
		scheduledAt = notBefore
	}
	dec := e.newDecision(req, tier, []string{target}, ActionBatchInto, scheduledAt, reason)
	e.finalize(ctx, req.ID, dec, StatusBatched)
}

// Ack registers a caregiver acknowledgment: it refreshes the family's
// coordination state and settles every open handoff for the family.
// Acknowledging twice is a no-op.
func (e *Engine) Ack(ctx context.Context, familyID, caregiverID string) error {
	unlock := e.scheduler.Lock(familyID)
	defer unlock()

	if err := e.coordinator.RecordAck(ctx, familyID, caregiverID, e.now()); err != nil {
		// The ack still settles in-flight handoffs; state refresh will
		// catch up on the next activity signal.
		log.Printf("Failed to persist ack activity for family %s: %v", familyID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, esc := range e.escalations {
		if esc.dec.FamilyID != familyID {
			continue
		}
		esc.state = HandoffAcknowledged
		if esc.timer != nil {
			esc.timer.Stop()
		}
		if err := e.repo.UpdateDecisionHandoff(ctx, id, HandoffAcknowledged, ""); err != nil {
			log.Printf("Failed to record ack for request %s: %v", id, err)
		}
		delete(e.escalations, id)
		log.Printf("Request %s acknowledged by %s", id, caregiverID)
	}
	return nil
}

// Cancel withdraws a held or batched decision before its scheduled time.
// Cancelling an already-dispatched decision is a no-op, not an error.
func (e *Engine) Cancel(ctx context.Context, requestID string) error {
	req, status, err := e.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	unlock := e.scheduler.Lock(req.FamilyID)
	defer unlock()

	switch status {
	case StatusHeld, StatusBatched:
	default:
		return nil
	}

	e.mu.Lock()
	if t, ok := e.holds[requestID]; ok {
		t.Stop()
		delete(e.holds, requestID)
	}
	e.mu.Unlock()
	e.scheduler.Remove(req.FamilyID, requestID)

	if err := e.repo.MarkCancelled(ctx, requestID); err != nil {
		return err
	}
	if err := e.repo.UpdateRequestStatus(ctx, requestID, StatusCancelled); err != nil {
		return err
	}
	log.Printf("Cancelled pending decision for request %s", requestID)
	return nil
}

// RequestState is the status-query view of one request.
type RequestState struct {
	Request  *NotificationRequest `json:"request"`
	Status   RequestStatus        `json:"status"`
	Decision *DeliveryDecision    `json:"decision,omitempty"`
}

// Status reports the observable lifecycle of a request.
func (e *Engine) Status(ctx context.Context, requestID string) (*RequestState, error) {
	req, status, err := e.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	dec, err := e.repo.GetDecision(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestState{Request: req, Status: status, Decision: dec}, nil
}

// Recover re-arms timers for hold and batch decisions persisted before a
// restart. Dispatch idempotency keys prevent re-delivering anything that
// already went out.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.repo.PendingDecisions(ctx)
	if err != nil {
		return err
	}
	for _, dec := range pending {
		unlock := e.scheduler.Lock(dec.FamilyID)
		switch dec.Action {
		case ActionHoldUntil:
			e.armHold(dec)
		case ActionBatchInto:
			target := ""
			if len(dec.Targets) > 0 {
				target = dec.Targets[0]
			}
			e.scheduler.Enqueue(dec.FamilyID, PendingQueueEntry{
				RequestID:  dec.RequestID,
				Tier:       dec.Tier,
				Target:     target,
				EnqueuedAt: dec.CreatedAt,
				NotBefore:  dec.ScheduledAt,
			})
		}
		unlock()
	}
	if len(pending) > 0 {
		log.Printf("Recovered %d pending decisions", len(pending))
	}
	return nil
}

// Stop cancels outstanding timers. In-flight decisions stay persisted and
// are picked up by Recover on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	for _, t := range e.holds {
		t.Stop()
	}
	for _, esc := range e.escalations {
		if esc.timer != nil {
			esc.timer.Stop()
		}
	}
	e.mu.Unlock()
	e.scheduler.Stop()
}

// ---- internals ----

func (e *Engine) newDecision(req *NotificationRequest, tier PriorityTier, targets []string, action Action, at time.Time, reason string) *DeliveryDecision {
	return &DeliveryDecision{
		RequestID:   req.ID,
		FamilyID:    req.FamilyID,
		Tier:        tier,
		Targets:     targets,
		Action:      action,
		ScheduledAt: at,
		Reason:      reason,
		CreatedAt:   e.now(),
	}
}

// finalize records the write-once decision and the request status.
func (e *Engine) finalize(ctx context.Context, requestID string, dec *DeliveryDecision, status RequestStatus) {
	if err := e.repo.SaveDecision(ctx, dec); err != nil {
		log.Printf("Failed to persist decision for %s: %v", requestID, err)
	}
	if err := e.repo.UpdateRequestStatus(ctx, requestID, status); err != nil {
		log.Printf("Failed to update status for %s: %v", requestID, err)
	}
	monitoring.DecisionsTotal.WithLabelValues(string(dec.Action), string(dec.Tier)).Inc()
	log.Printf("Decision for %s: %s (%s) targets=%v scheduled=%s reason=%q",
		requestID, dec.Action, dec.Tier, dec.Targets, dec.ScheduledAt.Format(time.RFC3339), dec.Reason)
}

func (e *Engine) finalizeSuppressed(ctx context.Context, req *NotificationRequest, tier PriorityTier, reason string) {
	dec := e.newDecision(req, tier, nil, ActionSuppress, e.now(), reason)
	e.finalize(ctx, req.ID, dec, StatusSuppressed)
}

// failClosed holds a non-emergency request while a collaborator is down.
// Losing a routine reminder to a delay is acceptable; dropping it is not,
// so the retry keeps the no-silent-drop guarantee.
func (e *Engine) failClosed(ctx context.Context, req *NotificationRequest, cause error) {
	log.Printf("Holding request %s, collaborator unavailable: %v", req.ID, cause)
	if err := e.repo.UpdateRequestStatus(ctx, req.ID, StatusHeld); err != nil {
		log.Printf("Failed to mark request %s held: %v", req.ID, err)
	}
	e.retryLater(ctx, req, e.cfg.StateRetryInterval)
}

func (e *Engine) retryLater(ctx context.Context, req *NotificationRequest, after time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	key := "retry:" + req.ID
	if t, ok := e.holds[key]; ok {
		t.Stop()
	}
	e.holds[key] = time.AfterFunc(after, func() {
		e.mu.Lock()
		delete(e.holds, key)
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return
		}
		unlock := e.scheduler.Lock(req.FamilyID)
		defer unlock()
		e.process(context.Background(), req)
	})
}

// armHold schedules the timer-driven resumption of a held decision.
func (e *Engine) armHold(dec *DeliveryDecision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	delay := time.Until(dec.ScheduledAt)
	if delay < 0 {
		delay = 0
	}
	e.holds[dec.RequestID] = time.AfterFunc(delay, func() {
		e.releaseHold(dec)
	})
}

// releaseHold publishes a held decision once its window opens and starts
// acknowledgment tracking for directed tiers.
func (e *Engine) releaseHold(dec *DeliveryDecision) {
	e.mu.Lock()
	if _, ok := e.holds[dec.RequestID]; !ok {
		// Cancelled while the timer was firing.
		e.mu.Unlock()
		return
	}
	delete(e.holds, dec.RequestID)
	e.mu.Unlock()

	ctx := context.Background()
	unlock := e.scheduler.Lock(dec.FamilyID)
	defer unlock()

	e.publishDirect(ctx, dec, 1)
	if err := e.repo.UpdateRequestStatus(ctx, dec.RequestID, StatusDecided); err != nil {
		log.Printf("Failed to update status for %s: %v", dec.RequestID, err)
	}
	if dec.Tier == TierHigh || dec.Tier == TierEmergency {
		dec.Handoff = HandoffUnacknowledged
		if err := e.repo.UpdateDecisionHandoff(ctx, dec.RequestID, HandoffUnacknowledged, ""); err != nil {
			log.Printf("Failed to update handoff for %s: %v", dec.RequestID, err)
		}
		roster, err := e.coordinator.Roster(ctx, dec.FamilyID)
		if err != nil {
			log.Printf("Cannot load roster for handoff tracking of %s: %v", dec.RequestID, err)
			return
		}
		e.trackEscalation(dec, roster, setOf(dec.Targets...))
	}
}

func (e *Engine) publishDirect(ctx context.Context, dec *DeliveryDecision, attempt int) {
	msg := &DecisionMessage{Kind: MessageDirect, Decision: dec, Attempt: attempt}
	if err := e.sink.Publish(ctx, msg); err != nil {
		log.Printf("Failed to publish decision for %s: %v", dec.RequestID, err)
		if dec.Tier == TierEmergency {
			e.alertDecision(ctx, "critical", "emergency-publish-failure", dec,
				fmt.Sprintf("emergency decision could not be published: %v", err))
		}
		// Keep trying; the decision is persisted and must not drop.
		e.mu.Lock()
		if !e.stopped {
			e.holds["pub:"+dec.RequestID] = time.AfterFunc(e.cfg.StateRetryInterval/4, func() {
				e.mu.Lock()
				delete(e.holds, "pub:"+dec.RequestID)
				e.mu.Unlock()
				e.publishDirect(context.Background(), dec, attempt)
			})
		}
		e.mu.Unlock()
	}
}

// trackEscalation arms the acknowledgment timeout for a directed delivery.
func (e *Engine) trackEscalation(dec *DeliveryDecision, roster []*CaregiverProfile, tried map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	esc := &escalation{dec: dec, state: HandoffUnacknowledged, tried: tried, roster: roster}
	esc.timer = time.AfterFunc(e.cfg.EscalationTimeout, func() {
		e.escalate(dec.RequestID)
	})
	e.escalations[dec.RequestID] = esc
}

// escalate drives the handoff state machine on acknowledgment timeout:
// Unacknowledged -> Escalating (promote the next caregiver), Escalating ->
// Expired once the roster is exhausted. Expired is terminal and always
// surfaced; a handoff that runs out of caregivers is a critical gap.
func (e *Engine) escalate(requestID string) {
	e.mu.Lock()
	esc, ok := e.escalations[requestID]
	e.mu.Unlock()
	if !ok {
		return
	}

	ctx := context.Background()
	unlock := e.scheduler.Lock(esc.dec.FamilyID)
	defer unlock()

	if esc.state == HandoffAcknowledged {
		return
	}

	next := e.coordinator.NextTarget(esc.roster, esc.tried)
	if next == nil {
		esc.state = HandoffExpired
		e.mu.Lock()
		delete(e.escalations, requestID)
		e.mu.Unlock()

		if err := e.repo.UpdateDecisionHandoff(ctx, requestID, HandoffExpired, ""); err != nil {
			log.Printf("Failed to record expired handoff for %s: %v", requestID, err)
		}
		if err := e.repo.UpdateRequestStatus(ctx, requestID, StatusExhausted); err != nil {
			log.Printf("Failed to update status for %s: %v", requestID, err)
		}
		exhausted := &EscalationExhaustedError{
			RequestID: requestID,
			FamilyID:  esc.dec.FamilyID,
			Tried:     keys(esc.tried),
		}
		log.Printf("CRITICAL: %v", exhausted)
		monitoring.EscalationsExhausted.Inc()
		e.alertDecision(ctx, "critical", "escalation-exhausted", esc.dec, exhausted.Error())
		return
	}

	esc.state = HandoffEscalating
	esc.tried[next.CaregiverID] = true
	prior := esc.dec.Targets
	esc.dec.Targets = []string{next.CaregiverID}
	esc.dec.Handoff = HandoffEscalating

	if err := e.repo.UpdateDecisionHandoff(ctx, requestID, HandoffEscalating, next.CaregiverID); err != nil {
		log.Printf("Failed to record escalation for %s: %v", requestID, err)
	}
	monitoring.EscalationsTotal.Inc()
	log.Printf("Request %s unacknowledged by %v, escalating to %s", requestID, prior, next.CaregiverID)

	e.publishDirect(ctx, esc.dec, len(esc.tried))

	e.mu.Lock()
	if !e.stopped {
		esc.timer = time.AfterFunc(e.cfg.EscalationTimeout, func() {
			e.escalate(requestID)
		})
	}
	e.mu.Unlock()
}

// afterFlush marks flushed digest members as decided.
func (e *Engine) afterFlush(ctx context.Context, familyID string, entries []PendingQueueEntry) {
	for _, entry := range entries {
		if err := e.repo.UpdateRequestStatus(ctx, entry.RequestID, StatusDecided); err != nil {
			log.Printf("Failed to update status for %s: %v", entry.RequestID, err)
		}
	}
	monitoring.DigestFlushes.Inc()
	log.Printf("Flushed digest of %d entries for family %s", len(entries), familyID)
}

func (e *Engine) alert(ctx context.Context, severity, kind string, req *NotificationRequest, msg string) {
	e.sendAlert(ctx, &OperatorAlert{
		Severity:  severity,
		Kind:      kind,
		Message:   msg,
		FamilyID:  req.FamilyID,
		RequestID: req.ID,
		At:        e.now(),
	})
}

func (e *Engine) alertDecision(ctx context.Context, severity, kind string, dec *DeliveryDecision, msg string) {
	e.sendAlert(ctx, &OperatorAlert{
		Severity:  severity,
		Kind:      kind,
		Message:   msg,
		FamilyID:  dec.FamilyID,
		RequestID: dec.RequestID,
		At:        e.now(),
	})
}

func (e *Engine) sendAlert(ctx context.Context, alert *OperatorAlert) {
	monitoring.OperatorAlerts.WithLabelValues(alert.Severity, alert.Kind).Inc()
	if e.alerts == nil {
		log.Printf("ALERT [%s] %s: %s", alert.Severity, alert.Kind, alert.Message)
		return
	}
	if err := e.alerts.Alert(ctx, alert); err != nil {
		log.Printf("ALERT [%s] %s: %s (alert sink failed: %v)", alert.Severity, alert.Kind, alert.Message, err)
	}
}

func validateRequest(req *NotificationRequest) error {
	if req == nil {
		return &ClassificationError{Field: "request", Detail: "missing"}
	}
	if req.FamilyID == "" {
		return &ClassificationError{Field: "family_id", Detail: "required"}
	}
	if req.ChildID == "" {
		return &ClassificationError{Field: "child_id", Detail: "required"}
	}
	if req.Category == "" {
		return &ClassificationError{Field: "category", Detail: "required"}
	}
	if req.SeverityHint < 0 || req.SeverityHint > 1 {
		return &ClassificationError{Field: "severity_hint", Detail: "must be in [0,1]"}
	}
	return nil
}

func ingestIdemKey(req *NotificationRequest, bucket time.Duration) string {
	b := req.CreatedAt.Truncate(bucket).Unix()
	return fmt.Sprintf("%s:%s:%s:%d", req.FamilyID, req.ChildID, req.Category, b)
}

func setOf(ids ...string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
