package policy

import (
	"context"
	"fmt"
)

// Action is an operator- or caregiver-initiated operation that can be
// policy-controlled.
type Action string

const (
	ActionRequestSubmit    Action = "request.submit"
	ActionRequestCancel    Action = "request.cancel"
	ActionRequestAck       Action = "request.ack"
	ActionStatusRead       Action = "status.read"
	ActionDeadLetterRead   Action = "deadletter.read"
	ActionProfileWrite     Action = "profile.write"
	ActionQuietHoursUpdate Action = "quiethours.update"
)

// Role represents a principal's role.
type Role string

const (
	RoleOperator  Role = "operator"
	RoleCaregiver Role = "caregiver"
	RoleService   Role = "service"
)

// Context carries everything a policy check needs.
type Context struct {
	PrincipalID string
	FamilyID    string
	Roles       []Role
	Action      Action
}

// Result is the outcome of a policy check.
type Result struct {
	Allowed bool
	Reason  string
}

// Engine is the interface for policy evaluation.
type Engine interface {
	Check(ctx context.Context, pctx *Context) (*Result, error)
}

// HardcodedEngine is the default permission matrix: operators can do
// everything, services can submit and read, caregivers can ack, cancel,
// read status and manage their own preferences.
type HardcodedEngine struct{}

func NewHardcodedEngine() *HardcodedEngine {
	return &HardcodedEngine{}
}

var permissions = map[Role][]Action{
	RoleService: {
		ActionRequestSubmit,
		ActionStatusRead,
	},
	RoleCaregiver: {
		ActionRequestAck,
		ActionRequestCancel,
		ActionStatusRead,
		ActionProfileWrite,
		ActionQuietHoursUpdate,
	},
}

func (e *HardcodedEngine) Check(ctx context.Context, pctx *Context) (*Result, error) {
	for _, role := range pctx.Roles {
		if role == RoleOperator {
			return &Result{Allowed: true, Reason: "allowed by role: operator"}, nil
		}
		for _, allowed := range permissions[role] {
			if allowed == pctx.Action {
				return &Result{Allowed: true, Reason: fmt.Sprintf("allowed by role: %s", role)}, nil
			}
		}
	}
	return &Result{Allowed: false, Reason: "no matching policy"}, nil
}

// Require runs a check and turns a denial into an error.
func Require(ctx context.Context, engine Engine, pctx *Context) error {
	result, err := engine.Check(ctx, pctx)
	if err != nil {
		return fmt.Errorf("policy check failed: %w", err)
	}
	if !result.Allowed {
		return fmt.Errorf("denied: %s", result.Reason)
	}
	return nil
}
