package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/platform"
)

// ErrPartialSession is returned when Set is called with a session that has a
// token but no user, or a user but no token.
var ErrPartialSession = errors.New("session must be fully present or fully absent")

// Keys names the storage locations the store persists under. TokenKey is the
// primary location the guard probes first; SessionTokenKey is the
// session-scoped fallback the guard probes second.
type Keys struct {
	User         string
	Token        string
	SessionToken string
	RefreshToken string
}

// DefaultKeys returns the well-known storage keys.
func DefaultKeys() Keys {
	return Keys{
		User:         "auth_user",
		Token:        "auth_token",
		SessionToken: "session_auth_token",
		RefreshToken: "auth_refresh_token",
	}
}

// Store holds the current session in memory and persists the durable portion
// through platform storage. The token lifecycle manager is the sole writer;
// all other components use the read accessors.
type Store struct {
	mu      sync.RWMutex
	current *Session

	storage platform.Storage
	keys    Keys
	now     func() time.Time
	log     zerolog.Logger
}

// NewStore returns a Store persisting through storage under keys.
func NewStore(storage platform.Storage, keys Keys, log zerolog.Logger) *Store {
	return &Store{
		storage: storage,
		keys:    keys,
		now:     time.Now,
		log:     log.With().Str("component", "session_store").Logger(),
	}
}

// Set replaces the current session. The session must be fully present; a
// partial session is rejected and leaves the store unchanged.
func (s *Store) Set(ctx context.Context, sess *Session) error {
	if !sess.Valid() {
		return ErrPartialSession
	}
	s.mu.Lock()
	cp := *sess
	user := *sess.User
	cp.User = &user
	s.current = &cp
	s.mu.Unlock()
	s.persist(ctx, &cp)
	return nil
}

// SetToken replaces the token (and refresh token if non-empty) after a
// successful refresh. User fields are untouched. No-op when no session is
// present, so a refresh racing a sign-out cannot revive a cleared session.
func (s *Store) SetToken(ctx context.Context, token, refreshToken string) error {
	if token == "" {
		return ErrPartialSession
	}
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	s.current.Token = token
	if refreshToken != "" {
		s.current.RefreshToken = refreshToken
	}
	cp := *s.current
	user := *s.current.User
	cp.User = &user
	s.mu.Unlock()
	s.persist(ctx, &cp)
	return nil
}

// SetUser replaces the user profile (profile update). Token fields are
// untouched. No-op when no session is present.
func (s *Store) SetUser(ctx context.Context, user *User) error {
	if user == nil || user.ID == "" {
		return ErrPartialSession
	}
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return nil
	}
	u := *user
	s.current.User = &u
	cp := *s.current
	s.mu.Unlock()
	s.persist(ctx, &cp)
	return nil
}

// Clear drops the session and deletes all persisted session keys, including
// the session-scoped fallback, so the guard cannot pick up stale credentials.
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	for _, key := range []string{s.keys.User, s.keys.Token, s.keys.SessionToken, s.keys.RefreshToken} {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to delete persisted session key")
		}
	}
}

// IsAuthenticated reports whether a fully-present session is held.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Valid()
}

// User returns a copy of the current user, or nil when no session is held.
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.current.Valid() {
		return nil
	}
	u := *s.current.User
	return &u
}

// Token returns the current bearer token, or "".
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.current.Valid() {
		return ""
	}
	return s.current.Token
}

// RefreshToken returns the current refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.current.Valid() {
		return ""
	}
	return s.current.RefreshToken
}

// IsTokenExpired reports whether the held token is past its embedded expiry.
// True when no session is held.
func (s *Store) IsTokenExpired() bool {
	tok := s.Token()
	if tok == "" {
		return true
	}
	return TokenExpired(tok, s.now())
}

// Load reads the persisted session from storage: the user profile record plus
// the primary token and refresh token keys. Returns nil when no profile
// record exists. A record that fails to decode is treated as absent and
// deleted.
func (s *Store) Load(ctx context.Context) (*Session, error) {
	raw, err := s.storage.Get(ctx, s.keys.User)
	if err != nil {
		return nil, fmt.Errorf("load user record: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var user User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.log.Warn().Err(err).Msg("persisted user record is corrupt; discarding")
		_ = s.storage.Delete(ctx, s.keys.User)
		return nil, nil
	}
	token, err := s.storage.Get(ctx, s.keys.Token)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	refresh, err := s.storage.Get(ctx, s.keys.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("load refresh token: %w", err)
	}
	return &Session{Token: token, RefreshToken: refresh, User: &user}, nil
}

// persist writes the profile record and token keys. The token key carries a
// TTL equal to the token's remaining lifetime so a stale value cannot outlive
// its expiry. Persistence failures are logged, not returned: the in-memory
// session is authoritative for this process.
func (s *Store) persist(ctx context.Context, sess *Session) {
	raw, err := json.Marshal(sess.User)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode user record")
		return
	}
	if err := s.storage.Set(ctx, s.keys.User, string(raw), 0); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist user record")
	}
	ttl := time.Duration(0)
	if exp, err := TokenExpiry(sess.Token); err == nil {
		ttl = exp.Sub(s.now())
	}
	if err := s.storage.Set(ctx, s.keys.Token, sess.Token, ttl); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist token")
	}
	if sess.RefreshToken != "" {
		if err := s.storage.Set(ctx, s.keys.RefreshToken, sess.RefreshToken, 0); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist refresh token")
		}
	}
}
