// Package authapi is the REST client for the main application's auth API.
// Every call carries a context deadline and is wrapped by the cold-start
// latency watchdog.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/coldstart"
	"subdomain-auth-bridge/internal/session"
)

const (
	// DefaultTimeout bounds sign-in, refresh, and logout calls.
	DefaultTimeout = 10 * time.Second
	// DefaultValidateTimeout bounds token validation; validation is the first
	// call a cold backend sees, so it gets more headroom.
	DefaultValidateTimeout = 30 * time.Second
)

// ErrUnauthorized marks a 401 from the auth API. Callers test with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-2xx response from the auth API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// AuthResponse is the token + user payload returned by sign-in and refresh.
type AuthResponse struct {
	Token        string        `json:"token"`
	RefreshToken string        `json:"refreshToken,omitempty"`
	User         *session.User `json:"user"`
}

// UnauthorizedHandler is invoked once when an authenticated call gets a 401.
// It returns a fresh token to retry with, or an error when no retry is
// possible.
type UnauthorizedHandler func(ctx context.Context) (string, error)

// Client talks to the auth API over REST.
type Client struct {
	baseURL         string
	http            *http.Client
	timeout         time.Duration
	validateTimeout time.Duration
	watchdog        *coldstart.Watchdog
	onUnauthorized  UnauthorizedHandler
	log             zerolog.Logger
}

// NewClient returns a Client for the auth API at baseURL. watchdog may be nil
// to disable cold-start tracking. Zero timeouts select the defaults.
func NewClient(baseURL string, watchdog *coldstart.Watchdog, timeout, validateTimeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if validateTimeout <= 0 {
		validateTimeout = DefaultValidateTimeout
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{},
		timeout:         timeout,
		validateTimeout: validateTimeout,
		watchdog:        watchdog,
		log:             log.With().Str("component", "authapi").Logger(),
	}
}

// SetUnauthorizedHandler installs the 401 hook for authenticated calls. Set
// once at wiring time, before the client is used.
func (c *Client) SetUnauthorizedHandler(fn UnauthorizedHandler) {
	c.onUnauthorized = fn
}

// SignIn exchanges credentials for tokens and the user profile. Expected
// rejections come back as *APIError; transport failures as wrapped errors.
func (c *Client) SignIn(ctx context.Context, email, password string) (*AuthResponse, error) {
	body := map[string]string{"email": email, "password": password}
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signin", body, "", c.timeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh mints a new token from the refresh token. A 401 here is terminal
// for the session; the unauthorized hook is never consulted.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	body := map[string]string{"refreshToken": refreshToken}
	var out AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", body, "", c.timeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate checks the bearer token against the auth API and returns the
// current user. On 401 the unauthorized hook (if installed) is given one
// chance to supply a fresh token before the error is surfaced.
func (c *Client) Validate(ctx context.Context, token string) (*session.User, error) {
	var out struct {
		User *session.User `json:"user"`
	}
	err := c.do(ctx, http.MethodPost, "/auth/validate", nil, token, c.validateTimeout, &out)
	if err != nil && errors.Is(err, ErrUnauthorized) && c.onUnauthorized != nil {
		fresh, hookErr := c.onUnauthorized(ctx)
		if hookErr != nil {
			return nil, err
		}
		err = c.do(ctx, http.MethodPost, "/auth/validate", nil, fresh, c.validateTimeout, &out)
	}
	if err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, fmt.Errorf("auth api: validate returned no user")
	}
	return out.User, nil
}

// Logout notifies the server that the session is over. Best-effort; callers
// ignore the error.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, token, c.timeout, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, bearer string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	if c.watchdog != nil {
		done := c.watchdog.Watch(uuid.NewString())
		defer done()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.decodeError(resp, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) decodeError(resp *http.Response, path string) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown_error"}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		if body.Error != "" {
			apiErr.Code = body.Error
		}
		apiErr.Message = body.Message
	}
	c.log.Debug().Int("status", resp.StatusCode).Str("path", path).Str("code", apiErr.Code).Msg("auth api rejected request")
	return apiErr
}
