package guard

import "subdomain-auth-bridge/internal/session"

// Handle is the read-only view of the authenticated identity handed to the
// protected page after a grant. It exposes role checks but no mutation.
type Handle struct {
	user *session.User
}

// NewHandle wraps a validated user. A nil user yields an unauthenticated
// handle.
func NewHandle(user *session.User) *Handle {
	if user == nil {
		return &Handle{}
	}
	u := *user
	return &Handle{user: &u}
}

// User returns a copy of the identity, or nil when unauthenticated.
func (h *Handle) User() *session.User {
	if h.user == nil {
		return nil
	}
	u := *h.user
	return &u
}

// IsAuthenticated reports whether the handle carries a validated identity.
func (h *Handle) IsAuthenticated() bool { return h.user != nil }

// HasRole reports whether the identity holds exactly the given role.
func (h *Handle) HasRole(role session.Role) bool {
	return h.user != nil && h.user.Role == role
}

// HasAnyRole reports whether the identity holds one of the given roles.
func (h *Handle) HasAnyRole(roles ...session.Role) bool {
	if h.user == nil {
		return false
	}
	for _, r := range roles {
		if h.user.Role == r {
			return true
		}
	}
	return false
}
