// Package policy evaluates subdomain access policy with OPA Rego. The policy
// checks run in a fixed order (role, then email verification, then account
// status) so the denial reason is always the first failing check.
package policy

import (
	"context"

	"subdomain-auth-bridge/internal/session"
)

// Reason codes for denied access. Remediation differs per reason, so callers
// must surface them distinctly.
const (
	ReasonInsufficientRole = "insufficient_role"
	ReasonEmailNotVerified = "email_not_verified"
	ReasonAccountInactive  = "account_inactive"
)

// SubdomainPolicy is the static access policy for one protected subdomain.
// Not mutated at runtime.
type SubdomainPolicy struct {
	Subdomain                string
	AllowedRoles             []session.Role
	RequireEmailVerification bool
}

// Result is the outcome of a policy evaluation. Reason is empty when Allow is
// true.
type Result struct {
	Allow  bool
	Reason string
}

// Evaluator evaluates subdomain access policy for a validated user.
type Evaluator interface {
	Evaluate(ctx context.Context, user *session.User, pol SubdomainPolicy) (Result, error)
}
