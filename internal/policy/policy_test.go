package policy

import (
	"context"
	"testing"
)

func checkCases() []struct {
	name   string
	roles  []Role
	action Action
	want   bool
} {
	return []struct {
		name   string
		roles  []Role
		action Action
		want   bool
	}{
		{"operator does anything", []Role{RoleOperator}, ActionDeadLetterRead, true},
		{"service submits", []Role{RoleService}, ActionRequestSubmit, true},
		{"service reads status", []Role{RoleService}, ActionStatusRead, true},
		{"service cannot ack", []Role{RoleService}, ActionRequestAck, false},
		{"service cannot read dead letters", []Role{RoleService}, ActionDeadLetterRead, false},
		{"caregiver acks", []Role{RoleCaregiver}, ActionRequestAck, true},
		{"caregiver cancels", []Role{RoleCaregiver}, ActionRequestCancel, true},
		{"caregiver updates quiet hours", []Role{RoleCaregiver}, ActionQuietHoursUpdate, true},
		{"caregiver cannot submit", []Role{RoleCaregiver}, ActionRequestSubmit, false},
		{"no roles", nil, ActionStatusRead, false},
		{"mixed roles take the union", []Role{RoleService, RoleCaregiver}, ActionRequestAck, true},
	}
}

func TestHardcodedEngineCheck(t *testing.T) {
	e := NewHardcodedEngine()
	for _, tt := range checkCases() {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(context.Background(), &Context{
				PrincipalID: "p-1",
				Roles:       tt.roles,
				Action:      tt.action,
			})
			if err != nil {
				t.Fatalf("Check() error: %v", err)
			}
			if result.Allowed != tt.want {
				t.Errorf("Check() = %v (%s), want %v", result.Allowed, result.Reason, tt.want)
			}
		})
	}
}

// The built-in rego document must agree with the hardcoded matrix, case
// for case, or swapping engines changes who can do what.
func TestRegoEngineMatchesHardcoded(t *testing.T) {
	ctx := context.Background()
	e, err := NewRegoEngine(ctx, "")
	if err != nil {
		t.Fatalf("NewRegoEngine() error: %v", err)
	}
	for _, tt := range checkCases() {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(ctx, &Context{
				PrincipalID: "p-1",
				Roles:       tt.roles,
				Action:      tt.action,
			})
			if err != nil {
				t.Fatalf("Check() error: %v", err)
			}
			if result.Allowed != tt.want {
				t.Errorf("Check() = %v (%s), want %v", result.Allowed, result.Reason, tt.want)
			}
		})
	}
}

func TestRegoEngineRejectsBadModule(t *testing.T) {
	if _, err := NewRegoEngine(context.Background(), "package broken {"); err == nil {
		t.Error("expected error for malformed policy module")
	}
}

func TestRequire(t *testing.T) {
	e := NewHardcodedEngine()
	ctx := context.Background()

	if err := Require(ctx, e, &Context{Roles: []Role{RoleOperator}, Action: ActionProfileWrite}); err != nil {
		t.Errorf("Require() error for allowed action: %v", err)
	}
	if err := Require(ctx, e, &Context{Roles: []Role{RoleService}, Action: ActionProfileWrite}); err == nil {
		t.Error("Require() must fail for denied action")
	}
}
