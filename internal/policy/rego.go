package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// defaultPolicy mirrors HardcodedEngine in rego so deployments can swap
// in their own policy document without a rebuild.
const defaultPolicy = `
package notify.authz

default allow = false

allow {
	input.roles[_] == "operator"
}

allow {
	input.roles[_] == "service"
	input.action == "request.submit"
}

allow {
	input.roles[_] == "service"
	input.action == "status.read"
}

allow {
	input.roles[_] == "caregiver"
	caregiver_actions := {"request.ack", "request.cancel", "status.read", "profile.write", "quiethours.update"}
	caregiver_actions[input.action]
}
`

// RegoEngine evaluates policy via OPA. Use NewRegoEngine with an empty
// module for the built-in policy.
type RegoEngine struct {
	query rego.PreparedEvalQuery
}

func NewRegoEngine(ctx context.Context, module string) (*RegoEngine, error) {
	if module == "" {
		module = defaultPolicy
	}
	query, err := rego.New(
		rego.Query("data.notify.authz.allow"),
		rego.Module("notify_authz.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy: %w", err)
	}
	return &RegoEngine{query: query}, nil
}

func (e *RegoEngine) Check(ctx context.Context, pctx *Context) (*Result, error) {
	roles := make([]string, len(pctx.Roles))
	for i, r := range pctx.Roles {
		roles[i] = string(r)
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"principal": pctx.PrincipalID,
		"family_id": pctx.FamilyID,
		"roles":     roles,
		"action":    string(pctx.Action),
	}))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		if allowed, ok := rs[0].Expressions[0].Value.(bool); ok && allowed {
			return &Result{Allowed: true, Reason: "allowed by policy"}, nil
		}
	}
	return &Result{Allowed: false, Reason: "denied by policy"}, nil
}
