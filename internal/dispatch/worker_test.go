package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/sproutcare/notify-engine/internal/engine"
)

type mockDriver struct {
	channel  Channel
	sendFunc func(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error

	calls []string // caregiver IDs in delivery order
}

func (d *mockDriver) Channel() Channel {
	return d.channel
}

func (d *mockDriver) Send(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
	d.calls = append(d.calls, profile.CaregiverID)
	if d.sendFunc != nil {
		return d.sendFunc(ctx, profile, title, content)
	}
	return nil
}

func testProfiles(profiles ...*engine.CaregiverProfile) engine.ProfileStore {
	return &engine.MockProfileStore{
		LoadCaregiverProfileFunc: func(ctx context.Context, caregiverID string) (*engine.CaregiverProfile, error) {
			for _, p := range profiles {
				if p.CaregiverID == caregiverID {
					return p, nil
				}
			}
			return nil, fmt.Errorf("unknown caregiver %s", caregiverID)
		},
		FamilyProfilesFunc: func(ctx context.Context, familyID string) ([]*engine.CaregiverProfile, error) {
			return profiles, nil
		},
	}
}

func pushProfile(id string) *engine.CaregiverProfile {
	return &engine.CaregiverProfile{
		CaregiverID: id,
		FamilyID:    "fam-1",
		Devices:     []engine.DeviceToken{{Platform: "ios", Token: "tok-" + id}},
	}
}

func newTestWorker(driver *mockDriver, profiles engine.ProfileStore, maxAttempts int) *Worker {
	registry := NewRegistry()
	registry.Register(driver)
	return NewWorker(registry, profiles, NewRepository(nil), nil, nil, maxAttempts)
}

func directBody(t *testing.T, targets ...string) []byte {
	t.Helper()
	body, err := json.Marshal(&engine.DecisionMessage{
		Kind: engine.MessageDirect,
		Decision: &engine.DeliveryDecision{
			RequestID: "req-1",
			FamilyID:  "fam-1",
			Tier:      engine.TierHigh,
			Targets:   targets,
			Action:    engine.ActionDeliverNow,
			Reason:    "active-caregiver",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestProcessMessageDirectDeliversToEachTarget(t *testing.T) {
	driver := &mockDriver{channel: ChannelPush}
	w := newTestWorker(driver, testProfiles(pushProfile("cg-a"), pushProfile("cg-b")), 1)

	if err := w.ProcessMessage(context.Background(), directBody(t, "cg-a", "cg-b")); err != nil {
		t.Fatalf("ProcessMessage() error: %v", err)
	}
	if len(driver.calls) != 2 || driver.calls[0] != "cg-a" || driver.calls[1] != "cg-b" {
		t.Errorf("deliveries = %v, want [cg-a cg-b]", driver.calls)
	}
}

func TestProcessMessageDigest(t *testing.T) {
	var gotTitle, gotContent string
	driver := &mockDriver{
		channel: ChannelPush,
		sendFunc: func(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
			gotTitle, gotContent = title, content
			return nil
		},
	}
	w := newTestWorker(driver, testProfiles(pushProfile("cg-a")), 1)

	body, err := json.Marshal(&engine.DecisionMessage{
		Kind:     engine.MessageDigest,
		DigestID: "digest-1",
		FamilyID: "fam-1",
		Target:   "cg-a",
		Entries: []engine.PendingQueueEntry{
			{RequestID: "r1", Tier: engine.TierStandard, Target: "cg-a"},
			{RequestID: "r2", Tier: engine.TierLow, Target: "cg-a"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.ProcessMessage(context.Background(), body); err != nil {
		t.Fatalf("ProcessMessage() error: %v", err)
	}
	if len(driver.calls) != 1 {
		t.Fatalf("expected one digest delivery, got %d", len(driver.calls))
	}
	if gotTitle != "Care digest: 2 updates" {
		t.Errorf("title = %q", gotTitle)
	}
	// Entries render in arrival order.
	if !strings.Contains(gotContent, "1. [standard] request r1") ||
		!strings.Contains(gotContent, "2. [low] request r2") {
		t.Errorf("content = %q", gotContent)
	}
}

func TestProcessMessagePermanentFailureDeadLetters(t *testing.T) {
	driver := &mockDriver{
		channel: ChannelPush,
		sendFunc: func(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
			return fmt.Errorf("%w: token revoked", engine.ErrDispatchPermanent)
		},
	}
	w := newTestWorker(driver, testProfiles(pushProfile("cg-a")), 5)

	// Dead-lettered deliveries ack the queue message: no error, no retry.
	if err := w.ProcessMessage(context.Background(), directBody(t, "cg-a")); err != nil {
		t.Fatalf("ProcessMessage() error: %v", err)
	}
	if len(driver.calls) != 1 {
		t.Errorf("permanent failure must not retry, got %d attempts", len(driver.calls))
	}
}

func TestProcessMessageRetriesExhausted(t *testing.T) {
	driver := &mockDriver{
		channel: ChannelPush,
		sendFunc: func(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
			return fmt.Errorf("%w: provider 503", engine.ErrDispatchTransient)
		},
	}
	w := newTestWorker(driver, testProfiles(pushProfile("cg-a")), 1)

	if err := w.ProcessMessage(context.Background(), directBody(t, "cg-a")); err != nil {
		t.Fatalf("exhausted retries dead-letter, not nack: %v", err)
	}
	if len(driver.calls) != 1 {
		t.Errorf("attempts = %d, want 1", len(driver.calls))
	}
}

func TestProcessMessageMissingProfileDeadLetters(t *testing.T) {
	driver := &mockDriver{channel: ChannelPush}
	// Store contract: absent caregiver is (nil, nil), not an error.
	profiles := &engine.MockProfileStore{
		LoadCaregiverProfileFunc: func(ctx context.Context, caregiverID string) (*engine.CaregiverProfile, error) {
			return nil, nil
		},
	}
	w := newTestWorker(driver, profiles, 1)

	if err := w.ProcessMessage(context.Background(), directBody(t, "cg-gone")); err != nil {
		t.Fatalf("missing profile dead-letters, not nack: %v", err)
	}
	if len(driver.calls) != 0 {
		t.Errorf("driver must not be called for a missing profile, got %v", driver.calls)
	}
}

func TestProcessMessageNoUsableChannel(t *testing.T) {
	driver := &mockDriver{channel: ChannelPush}
	bare := &engine.CaregiverProfile{CaregiverID: "cg-bare", FamilyID: "fam-1"}
	w := newTestWorker(driver, testProfiles(bare), 1)

	if err := w.ProcessMessage(context.Background(), directBody(t, "cg-bare")); err != nil {
		t.Fatalf("ProcessMessage() error: %v", err)
	}
	if len(driver.calls) != 0 {
		t.Errorf("driver must not be called without a usable channel, got %v", driver.calls)
	}
}

func TestProcessMessageMalformed(t *testing.T) {
	w := newTestWorker(&mockDriver{channel: ChannelPush}, testProfiles(), 1)
	ctx := context.Background()

	if err := w.ProcessMessage(ctx, []byte("{not json")); err == nil {
		t.Error("expected error for malformed body")
	}
	if err := w.ProcessMessage(ctx, []byte(`{"kind":"direct"}`)); err == nil {
		t.Error("expected error for direct message without decision")
	}
	if err := w.ProcessMessage(ctx, []byte(`{"kind":"carrier-pigeon"}`)); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRegistryForProfile(t *testing.T) {
	registry := NewRegistry()
	registry.Register(&mockDriver{channel: ChannelPush})
	registry.Register(&mockDriver{channel: ChannelEmail})
	registry.Register(&mockDriver{channel: ChannelSMS})

	tests := []struct {
		name    string
		profile *engine.CaregiverProfile
		want    Channel
		wantErr bool
	}{
		{"devices prefer push", &engine.CaregiverProfile{
			Devices: []engine.DeviceToken{{Platform: "android", Token: "t"}},
			Email:   "cg@example.com", Phone: "+15550100",
		}, ChannelPush, false},
		{"email before sms", &engine.CaregiverProfile{
			Email: "cg@example.com", Phone: "+15550100",
		}, ChannelEmail, false},
		{"sms last", &engine.CaregiverProfile{Phone: "+15550100"}, ChannelSMS, false},
		{"nothing usable", &engine.CaregiverProfile{CaregiverID: "cg-x"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := registry.ForProfile(tt.profile)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ForProfile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && d.Channel() != tt.want {
				t.Errorf("channel = %s, want %s", d.Channel(), tt.want)
			}
		})
	}
}

func TestProcessAlert(t *testing.T) {
	w := newTestWorker(&mockDriver{channel: ChannelPush}, testProfiles(), 1)
	ctx := context.Background()

	body, _ := json.Marshal(&engine.OperatorAlert{Severity: "critical", Kind: "escalation-exhausted"})
	if err := w.ProcessAlert(ctx, body); err != nil {
		t.Fatalf("ProcessAlert() error: %v", err)
	}
	if err := w.ProcessAlert(ctx, []byte("nope")); err == nil {
		t.Error("expected error for malformed alert")
	}
}

func TestRenderDirectTitles(t *testing.T) {
	tests := []struct {
		tier engine.PriorityTier
		want string
	}{
		{engine.TierEmergency, "EMERGENCY: immediate attention needed"},
		{engine.TierHigh, "Needs attention soon"},
		{engine.TierStandard, "Care update"},
	}
	for _, tt := range tests {
		title, content := renderDirect(&engine.DeliveryDecision{RequestID: "r1", Tier: tt.tier, Reason: "because"})
		if title != tt.want {
			t.Errorf("tier %s: title = %q, want %q", tt.tier, title, tt.want)
		}
		if !strings.Contains(content, "r1") || !strings.Contains(content, "because") {
			t.Errorf("tier %s: content = %q", tt.tier, content)
		}
	}
}
