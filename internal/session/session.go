// Package session holds the authenticated session model and its store. The
// store has exactly one logical writer (the token lifecycle manager); every
// other component reads through the accessors.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxLoginAttempts is the failed-login count at or above which an account is
// considered locked.
const MaxLoginAttempts = 5

// Role is a user's role in the main application.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// AccountStatus is the lifecycle status of a user account.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountSuspended   AccountStatus = "suspended"
	AccountDeactivated AccountStatus = "deactivated"
)

// User is the profile the auth API returns on sign-in and validation. This is
// the non-secret portion of the session and the only part persisted as a
// profile record.
type User struct {
	ID            string        `json:"id"`
	Email         string        `json:"email"`
	FirstName     string        `json:"firstName"`
	LastName      string        `json:"lastName"`
	Role          Role          `json:"role"`
	EmailVerified bool          `json:"emailVerified"`
	IsActive      bool          `json:"isActive"`
	AccountStatus AccountStatus `json:"accountStatus"`
	LoginAttempts int           `json:"loginAttempts"`
}

// Locked reports whether the account is locked out from repeated failed
// sign-in attempts.
func (u *User) Locked() bool {
	return u.LoginAttempts >= MaxLoginAttempts
}

// Session pairs the bearer credentials with the validated user. A Session is
// either fully present (Token and User both set) or absent; partial state is
// invalid and treated as absent everywhere.
type Session struct {
	Token        string
	RefreshToken string
	User         *User
}

// Valid reports whether s is a fully-present session.
func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.User != nil && s.User.ID != ""
}

// ErrNoExpiry is returned when a token carries no decodable expiry claim.
var ErrNoExpiry = errors.New("token has no expiry claim")

// TokenExpiry decodes the exp claim embedded in token without verifying the
// signature. The bridge never verifies tokens itself; only the auth API holds
// the signing key. Used solely for refresh scheduling and staleness checks.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}
	return claims.ExpiresAt.Time, nil
}

// TokenExpired reports whether token is past its embedded expiry at the given
// instant. Tokens without a decodable expiry are treated as expired.
func TokenExpired(token string, now time.Time) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}
