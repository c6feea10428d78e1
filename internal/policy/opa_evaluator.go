package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"subdomain-auth-bridge/internal/session"
)

const defaultPolicyQuery = "data.bridge.subdomain_access"

// Default Rego policy. The deny_reason else-chain fixes the evaluation order:
// role first, then email verification, then account status.
const defaultRegoPolicy = `package bridge.subdomain_access

import rego.v1

default allow := false

role_allowed if {
	some role in input.policy.allowed_roles
	role == input.user.role
}

email_ok if {
	not input.policy.require_email_verification
}

email_ok if {
	input.user.email_verified
}

account_ok if {
	input.user.is_active
	input.user.account_status == "active"
	not input.user.locked
}

allow if {
	role_allowed
	email_ok
	account_ok
}

deny_reason := "insufficient_role" if {
	not role_allowed
} else := "email_not_verified" if {
	not email_ok
} else := "account_inactive" if {
	not account_ok
} else := ""
`

// OPAEvaluator evaluates subdomain access policy using OPA Rego.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles and prepares the policy for evaluation. source may
// be empty to use the default policy; a custom policy must live in the same
// package and define allow and deny_reason.
func NewOPAEvaluator(ctx context.Context, source string) (*OPAEvaluator, error) {
	if source == "" {
		source = defaultRegoPolicy
	}
	query, err := rego.New(
		rego.Query(defaultPolicyQuery),
		rego.Module("subdomain_access.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare policy: %w", err)
	}
	return &OPAEvaluator{query: query}, nil
}

// HealthCheck verifies the embedded default policy still compiles. Does not
// touch the network or any store.
func HealthCheck(ctx context.Context) error {
	if _, err := ast.CompileModules(map[string]string{"subdomain_access.rego": defaultRegoPolicy}); err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	return nil
}

// Evaluate runs the prepared policy for user against pol.
func (e *OPAEvaluator) Evaluate(ctx context.Context, user *session.User, pol SubdomainPolicy) (Result, error) {
	if user == nil {
		return Result{}, errors.New("policy: user is required")
	}
	roles := make([]string, 0, len(pol.AllowedRoles))
	for _, r := range pol.AllowedRoles {
		roles = append(roles, string(r))
	}
	input := map[string]any{
		"user": map[string]any{
			"role":           string(user.Role),
			"email_verified": user.EmailVerified,
			"is_active":      user.IsActive,
			"account_status": string(user.AccountStatus),
			"locked":         user.Locked(),
		},
		"policy": map[string]any{
			"allowed_roles":              roles,
			"require_email_verification": pol.RequireEmailVerification,
		},
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Result{}, errors.New("policy: empty evaluation result")
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Result{}, errors.New("policy: unexpected result shape")
	}

	out := Result{}
	if allow, ok := doc["allow"].(bool); ok {
		out.Allow = allow
	}
	if reason, ok := doc["deny_reason"].(string); ok {
		out.Reason = reason
	}
	if out.Allow {
		out.Reason = ""
	}
	return out, nil
}
