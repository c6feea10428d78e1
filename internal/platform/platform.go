// Package platform abstracts the storage and cookie surface the session
// store and the access guard run against, so the coordination logic is
// host-agnostic and testable without a live Redis or HTTP stack.
package platform

import (
	"context"
	"time"
)

// Storage is a flat key/value store for session state. Get returns "" with a
// nil error when the key is absent. Writes are last-writer-wins; the session
// store is the sole writer for session keys.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// CookieJar reads and writes the cross-subdomain cookies used as the token
// fallback chain. GetCookie returns "" when the cookie is absent.
type CookieJar interface {
	GetCookie(name string) string
	// SetCookie sets a cookie scoped to the configured domain. ttl <= 0 means
	// a session cookie.
	SetCookie(name, value string, ttl time.Duration)
	ClearCookie(name string)
}
