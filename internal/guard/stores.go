package guard

import (
	"context"
	"time"

	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/platform"
	"subdomain-auth-bridge/internal/session"
)

// Stores bundles the durable locations one guard run probes for credentials.
// Cookies are bound to a single request, so a Stores value is built per run.
type Stores struct {
	Storage platform.Storage
	Cookies platform.CookieJar
	Keys    session.Keys
	// TokenCookie is the primary cross-domain cookie name.
	TokenCookie string
	// FallbackCookie is the legacy cookie name, consulted last.
	FallbackCookie string
}

// FirstToken walks the fallback chain in fixed order and returns the first
// non-empty token with the name of the location that held it. Order matters:
// later locations are progressively more likely to be stale.
func (s Stores) FirstToken(ctx context.Context) (token, source string, err error) {
	probes := []struct {
		name string
		get  func() (string, error)
	}{
		{"storage:" + s.Keys.Token, func() (string, error) { return s.Storage.Get(ctx, s.Keys.Token) }},
		{"storage:" + s.Keys.SessionToken, func() (string, error) { return s.Storage.Get(ctx, s.Keys.SessionToken) }},
		{"cookie:" + s.TokenCookie, func() (string, error) { return s.Cookies.GetCookie(s.TokenCookie), nil }},
		{"cookie:" + s.FallbackCookie, func() (string, error) { return s.Cookies.GetCookie(s.FallbackCookie), nil }},
	}
	for _, p := range probes {
		v, err := p.get()
		if err != nil {
			return "", "", err
		}
		if v != "" {
			return v, p.name, nil
		}
	}
	return "", "", nil
}

// RefreshToken returns the stored refresh token, empty when absent.
func (s Stores) RefreshToken(ctx context.Context) (string, error) {
	return s.Storage.Get(ctx, s.Keys.RefreshToken)
}

// PersistRefreshed writes a freshly minted token back to the primary
// locations and clears the secondary ones, so a later run does not pick up
// the stale value that just failed validation. Failures are ignored: the run
// already holds the new token in memory.
func (s Stores) PersistRefreshed(ctx context.Context, resp *authapi.AuthResponse) {
	ttl := tokenTTL(resp.Token)
	_ = s.Storage.Set(ctx, s.Keys.Token, resp.Token, ttl)
	_ = s.Storage.Delete(ctx, s.Keys.SessionToken)
	if resp.RefreshToken != "" {
		_ = s.Storage.Set(ctx, s.Keys.RefreshToken, resp.RefreshToken, 0)
	}
	s.Cookies.SetCookie(s.TokenCookie, resp.Token, ttl)
	s.Cookies.ClearCookie(s.FallbackCookie)
}

// ClearAuth removes every stored credential. Called when validation is
// exhausted so the next run starts clean at the sign-in redirect.
func (s Stores) ClearAuth(ctx context.Context) {
	_ = s.Storage.Delete(ctx, s.Keys.Token)
	_ = s.Storage.Delete(ctx, s.Keys.SessionToken)
	_ = s.Storage.Delete(ctx, s.Keys.RefreshToken)
	_ = s.Storage.Delete(ctx, s.Keys.User)
	s.Cookies.ClearCookie(s.TokenCookie)
	s.Cookies.ClearCookie(s.FallbackCookie)
}

func tokenTTL(token string) time.Duration {
	exp, err := session.TokenExpiry(token)
	if err != nil {
		return 0
	}
	ttl := time.Until(exp)
	if ttl <= 0 {
		return 0
	}
	return ttl
}
