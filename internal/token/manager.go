// Package token owns the authentication token lifecycle: acquiring a session,
// keeping its token fresh ahead of expiry, and tearing everything down on
// terminal failure. The manager is the sole writer of the session store.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/session"
)

// DefaultRefreshLead is how far ahead of token expiry the proactive refresh
// fires.
const DefaultRefreshLead = 5 * time.Minute

// ErrNoRefreshToken is returned when a refresh is requested but no refresh
// token is held.
var ErrNoRefreshToken = errors.New("no refresh token held")

// API is the slice of the auth API client the manager needs.
type API interface {
	SignIn(ctx context.Context, email, password string) (*authapi.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*authapi.AuthResponse, error)
	Validate(ctx context.Context, token string) (*session.User, error)
	Logout(ctx context.Context, token string) error
}

// SignInResult is the discriminated outcome of a sign-in attempt. Expected
// rejections set Reason; only transport-level failures surface as errors.
type SignInResult struct {
	Success bool
	Reason  string
}

// ClearedHandler is notified after the session is cleared, with a
// human-readable reason. Used to signal the redirect-to-sign-in path.
type ClearedHandler func(reason string)

type refreshAttempt struct {
	done chan struct{}
	err  error
}

// Manager maintains exactly one valid session or none.
type Manager struct {
	store *session.Store
	api   API
	lead  time.Duration

	mu       sync.Mutex
	inflight *refreshAttempt
	timer    *time.Timer

	now       func() time.Time
	onCleared ClearedHandler
	log       zerolog.Logger
}

// NewManager returns a Manager over store and api. lead <= 0 selects
// DefaultRefreshLead. onCleared may be nil.
func NewManager(store *session.Store, api API, lead time.Duration, onCleared ClearedHandler, log zerolog.Logger) *Manager {
	if lead <= 0 {
		lead = DefaultRefreshLead
	}
	return &Manager{
		store:     store,
		api:       api,
		lead:      lead,
		now:       time.Now,
		onCleared: onCleared,
		log:       log.With().Str("component", "token_manager").Logger(),
	}
}

// Initialize restores the session at startup. A persisted profile record is
// treated optimistically as a live session and validated against the API; a
// token already past expiry gets one refresh attempt first. Any terminal
// failure leaves the store cleared, never partial. The returned error covers
// only unexpected storage faults; the caller treats it as "session absent".
func (m *Manager) Initialize(ctx context.Context) error {
	persisted, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	if persisted == nil {
		return nil
	}
	if persisted.User == nil || persisted.User.ID == "" {
		m.clear(ctx, "persisted session incomplete")
		return nil
	}

	expired := persisted.Token == "" || session.TokenExpired(persisted.Token, m.now())
	if expired {
		if persisted.RefreshToken == "" {
			m.clear(ctx, "session expired")
			return nil
		}
		resp, err := m.api.Refresh(ctx, persisted.RefreshToken)
		if err != nil {
			m.log.Info().Err(err).Msg("startup refresh failed")
			m.clear(ctx, "session expired")
			return nil
		}
		m.adoptRefreshed(ctx, persisted, resp)
		return nil
	}

	if err := m.store.Set(ctx, persisted); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	user, err := m.api.Validate(ctx, persisted.Token)
	if err == nil {
		_ = m.store.SetUser(ctx, user)
		m.schedule(persisted.Token)
		return nil
	}
	if errors.Is(err, authapi.ErrUnauthorized) {
		if refreshErr := m.Refresh(ctx); refreshErr == nil {
			return nil
		}
		// Refresh already cleared the session.
		return nil
	}
	m.log.Info().Err(err).Msg("startup validation failed")
	m.clear(ctx, "validation failed")
	return nil
}

// SignIn authenticates with the API. Expected rejections (bad credentials,
// locked account) come back as a result with Success=false and the API's
// reason code; transport failures propagate as errors.
func (m *Manager) SignIn(ctx context.Context, email, password string) (SignInResult, error) {
	resp, err := m.api.SignIn(ctx, email, password)
	if err != nil {
		var apiErr *authapi.APIError
		if errors.As(err, &apiErr) {
			return SignInResult{Reason: apiErr.Code}, nil
		}
		return SignInResult{}, err
	}
	sess := &session.Session{Token: resp.Token, RefreshToken: resp.RefreshToken, User: resp.User}
	if err := m.store.Set(ctx, sess); err != nil {
		return SignInResult{}, fmt.Errorf("store session: %w", err)
	}
	m.schedule(resp.Token)
	m.log.Info().Str("user_id", resp.User.ID).Msg("signed in")
	return SignInResult{Success: true}, nil
}

// Refresh exchanges the held refresh token for a new token. Idempotent under
// concurrency: when a refresh is already in flight, callers join it and
// observe the same outcome instead of issuing a second network call. Failure
// is terminal and clears the session.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &refreshAttempt{done: make(chan struct{})}
	m.inflight = a
	m.mu.Unlock()

	a.err = m.doRefresh(ctx)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(a.done)
	return a.err
}

func (m *Manager) doRefresh(ctx context.Context) error {
	refreshToken := m.store.RefreshToken()
	if refreshToken == "" {
		m.clear(ctx, "no refresh token")
		return ErrNoRefreshToken
	}
	resp, err := m.api.Refresh(ctx, refreshToken)
	if err != nil {
		m.log.Info().Err(err).Msg("refresh failed; clearing session")
		m.clear(ctx, "session expired")
		return fmt.Errorf("refresh: %w", err)
	}
	if err := m.store.SetToken(ctx, resp.Token, resp.RefreshToken); err != nil {
		m.clear(ctx, "refresh produced invalid token")
		return fmt.Errorf("store refreshed token: %w", err)
	}
	if resp.User != nil {
		_ = m.store.SetUser(ctx, resp.User)
	}
	m.schedule(resp.Token)
	m.log.Debug().Msg("token refreshed")
	return nil
}

// RefreshForRetry is the client's unauthorized hook: one refresh, then the
// fresh token for the retry.
func (m *Manager) RefreshForRetry(ctx context.Context) (string, error) {
	if err := m.Refresh(ctx); err != nil {
		return "", err
	}
	return m.store.Token(), nil
}

// SignOut notifies the server best-effort, then unconditionally clears local
// state. The refresh timer is cancelled so it cannot revive the session.
func (m *Manager) SignOut(ctx context.Context) {
	if tok := m.store.Token(); tok != "" {
		if err := m.api.Logout(ctx, tok); err != nil {
			m.log.Debug().Err(err).Msg("logout call failed; clearing locally anyway")
		}
	}
	m.clear(ctx, "signed out")
}

// RefreshAt returns the instant the proactive refresh for token should fire.
func (m *Manager) RefreshAt(token string) (time.Time, error) {
	exp, err := session.TokenExpiry(token)
	if err != nil {
		return time.Time{}, err
	}
	return exp.Add(-m.lead), nil
}

// schedule arms the single refresh timer slot for token, cancelling any
// previous timer first. A refresh instant already in the past (clock skew,
// long suspension) triggers an immediate refresh.
func (m *Manager) schedule(token string) {
	at, err := m.RefreshAt(token)
	if err != nil {
		m.log.Warn().Err(err).Msg("token has no decodable expiry; refresh not scheduled")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	delay := at.Sub(m.now())
	if delay <= 0 {
		m.log.Debug().Time("refresh_at", at).Msg("refresh already due; refreshing now")
		go func() { _ = m.Refresh(context.Background()) }()
		return
	}
	m.timer = time.AfterFunc(delay, func() { _ = m.Refresh(context.Background()) })
	m.log.Debug().Time("refresh_at", at).Msg("refresh scheduled")
}

// clear cancels the refresh timer, drops the session, and notifies the
// cleared handler.
func (m *Manager) clear(ctx context.Context, reason string) {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	m.store.Clear(ctx)
	if m.onCleared != nil {
		m.onCleared(reason)
	}
}

func (m *Manager) adoptRefreshed(ctx context.Context, persisted *session.Session, resp *authapi.AuthResponse) {
	user := resp.User
	if user == nil {
		user = persisted.User
	}
	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = persisted.RefreshToken
	}
	sess := &session.Session{Token: resp.Token, RefreshToken: refreshToken, User: user}
	if err := m.store.Set(ctx, sess); err != nil {
		m.clear(ctx, "refresh produced invalid session")
		return
	}
	m.schedule(resp.Token)
}
