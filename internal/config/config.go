// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"subdomain-auth-bridge/internal/session"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// AuthAPIBaseURL is the base URL of the main application's auth API
	// (e.g. https://api.example.com/api/auth). Required.
	AuthAPIBaseURL string `mapstructure:"AUTH_API_BASE_URL"`
	// AuthAPITimeout is the per-call timeout for auth API requests (e.g. "10s").
	AuthAPITimeout string `mapstructure:"AUTH_API_TIMEOUT"`
	// AuthValidateTimeout is the timeout for token validation calls; these hit
	// a possibly cold backend and get a longer budget (e.g. "30s").
	AuthValidateTimeout string `mapstructure:"AUTH_VALIDATE_TIMEOUT"`

	// TokenRefreshLead is how long before token expiry a proactive refresh is
	// scheduled (e.g. "5m").
	TokenRefreshLead string `mapstructure:"TOKEN_REFRESH_LEAD"`

	// ColdStartThreshold is how long a request must be in flight before it is
	// treated as a cold start (e.g. "5s").
	ColdStartThreshold string `mapstructure:"COLD_START_THRESHOLD"`
	// ColdStartMaxWait is the wait used to scale cold-start progress (e.g. "60s").
	ColdStartMaxWait string `mapstructure:"COLD_START_MAX_WAIT"`

	// GuardRetryAttempts is the total number of token validation attempts the
	// subdomain guard makes before redirecting to sign-in.
	GuardRetryAttempts int `mapstructure:"GUARD_RETRY_ATTEMPTS"`
	// GuardRetryDelay is the fixed delay between validation attempts (e.g. "2s").
	GuardRetryDelay string `mapstructure:"GUARD_RETRY_DELAY"`

	// ProtectedPrefix is the path prefix the guard middleware protects; every
	// request under it runs the full access check before being served. Empty
	// disables the protected group, leaving only the explicit check endpoint.
	ProtectedPrefix string `mapstructure:"GUARD_PROTECTED_PREFIX"`

	// SignInURL is where unauthenticated visitors are redirected. Required.
	SignInURL string `mapstructure:"SIGN_IN_URL"`
	// Subdomain is the protected subdomain this bridge fronts (e.g. "admin").
	Subdomain string `mapstructure:"SUBDOMAIN"`
	// AllowedRoles is a comma-separated list of roles granted access (e.g. "admin").
	AllowedRoles string `mapstructure:"SUBDOMAIN_ALLOWED_ROLES"`
	// RequireEmailVerification requires a verified email for access.
	RequireEmailVerification bool `mapstructure:"REQUIRE_EMAIL_VERIFICATION"`
	// PolicyFile is an optional path to a Rego policy overriding the built-in one.
	PolicyFile string `mapstructure:"POLICY_FILE"`

	// CookieDomain is the parent domain cookies are scoped to so they cross
	// subdomains (e.g. ".example.com").
	CookieDomain string `mapstructure:"COOKIE_DOMAIN"`
	// CookieSecure marks auth cookies Secure; must stay true in production.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// TokenCookieName is the primary cross-domain token cookie.
	TokenCookieName string `mapstructure:"TOKEN_COOKIE_NAME"`
	// FallbackCookieName is the legacy token cookie, consulted last.
	FallbackCookieName string `mapstructure:"FALLBACK_COOKIE_NAME"`

	// RedisAddr enables Redis-backed session storage when set (e.g. localhost:6379);
	// empty falls back to in-process storage.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPassword is the optional Redis auth password.
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	// RedisKeyPrefix namespaces every storage key (default "bridge").
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// DatabaseURL is the Postgres DSN for the access decision trail; empty
	// disables decision recording.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. localhost:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("AUTH_API_BASE_URL", "")
	v.SetDefault("AUTH_API_TIMEOUT", "10s")
	v.SetDefault("AUTH_VALIDATE_TIMEOUT", "30s")
	v.SetDefault("TOKEN_REFRESH_LEAD", "5m")
	v.SetDefault("COLD_START_THRESHOLD", "5s")
	v.SetDefault("COLD_START_MAX_WAIT", "60s")
	v.SetDefault("GUARD_RETRY_ATTEMPTS", 3)
	v.SetDefault("GUARD_RETRY_DELAY", "2s")
	v.SetDefault("GUARD_PROTECTED_PREFIX", "/app")
	v.SetDefault("SIGN_IN_URL", "")
	v.SetDefault("SUBDOMAIN", "app")
	v.SetDefault("SUBDOMAIN_ALLOWED_ROLES", "admin")
	v.SetDefault("REQUIRE_EMAIL_VERIFICATION", true)
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("COOKIE_DOMAIN", "")
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("TOKEN_COOKIE_NAME", "subdomain_auth_token")
	v.SetDefault("FALLBACK_COOKIE_NAME", "authToken")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_KEY_PREFIX", "bridge")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.AuthAPIBaseURL == "" {
		return nil, errors.New("config: AUTH_API_BASE_URL must be set")
	}
	if cfg.SignInURL == "" {
		return nil, errors.New("config: SIGN_IN_URL must be set")
	}
	if cfg.GuardRetryAttempts < 1 || cfg.GuardRetryAttempts > 10 {
		return nil, errors.New("config: GUARD_RETRY_ATTEMPTS must be between 1 and 10")
	}
	if cfg.ProtectedPrefix != "" && !strings.HasPrefix(cfg.ProtectedPrefix, "/") {
		return nil, errors.New("config: GUARD_PROTECTED_PREFIX must start with /")
	}
	if !cfg.CookieSecure && cfg.Env == "production" {
		return nil, errors.New("config: COOKIE_SECURE must not be false when APP_ENV=production")
	}

	return &cfg, nil
}

// APITimeout parses AuthAPITimeout. Returns 10s if unset or invalid.
func (c *Config) APITimeout() time.Duration {
	return c.duration(c.AuthAPITimeout, 10*time.Second)
}

// ValidateTimeout parses AuthValidateTimeout. Returns 30s if unset or invalid.
func (c *Config) ValidateTimeout() time.Duration {
	return c.duration(c.AuthValidateTimeout, 30*time.Second)
}

// RefreshLead parses TokenRefreshLead. Returns 5m if unset or invalid.
func (c *Config) RefreshLead() time.Duration {
	return c.duration(c.TokenRefreshLead, 5*time.Minute)
}

// ColdStartThresholdDuration parses ColdStartThreshold. Returns 5s if unset or invalid.
func (c *Config) ColdStartThresholdDuration() time.Duration {
	return c.duration(c.ColdStartThreshold, 5*time.Second)
}

// ColdStartMaxWaitDuration parses ColdStartMaxWait. Returns 60s if unset or invalid.
func (c *Config) ColdStartMaxWaitDuration() time.Duration {
	return c.duration(c.ColdStartMaxWait, 60*time.Second)
}

// RetryDelay parses GuardRetryDelay. Returns 2s if unset or invalid.
func (c *Config) RetryDelay() time.Duration {
	return c.duration(c.GuardRetryDelay, 2*time.Second)
}

func (c *Config) duration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// AllowedRolesList returns the allowed roles from the comma-separated config.
func (c *Config) AllowedRolesList() []session.Role {
	if c == nil || c.AllowedRoles == "" {
		return nil
	}
	parts := strings.Split(c.AllowedRoles, ",")
	out := make([]session.Role, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, session.Role(s))
		}
	}
	return out
}
