// Package guard gates access to a protected subdomain using the same
// identity as the main application. It runs with no shared in-memory state:
// every run re-derives the session from durable storage, validates it against
// the auth API with bounded retries, and evaluates the subdomain's access
// policy before revealing anything.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/policy"
	"subdomain-auth-bridge/internal/session"
)

// State is a phase of the guard's sequential state machine.
type State string

const (
	StateInitializing    State = "initializing"
	StateRetrievingToken State = "retrieving_token"
	StateValidatingToken State = "validating_token"
	StateRefreshingToken State = "refreshing_token"
	StateCheckingPolicy  State = "checking_policy"
	StateGranted         State = "granted"
	StateDenied          State = "denied"
	StateRedirecting     State = "redirecting_to_signin"
)

// DecisionType discriminates the guard's terminal outcome.
type DecisionType string

const (
	DecisionGranted  DecisionType = "granted"
	DecisionDenied   DecisionType = "denied"
	DecisionRedirect DecisionType = "redirect"
)

// Redirect reasons carried to the sign-in page.
const (
	RedirectReasonNoToken        = "no token"
	RedirectReasonSessionExpired = "session expired"
)

// Decision is the terminal outcome of one guard run. Computed fresh every
// run; never cached across page loads.
type Decision struct {
	Type      DecisionType
	Reason    string
	Message   string
	User      *session.User
	Token     string
	Subdomain string
	// RedirectURL is set only for redirect decisions and carries the original
	// URL and reason as query parameters.
	RedirectURL string
	Timestamp   time.Time
}

// Granted reports whether the decision unlocks the page.
func (d Decision) Granted() bool { return d.Type == DecisionGranted }

// SuccessEventName is the global signal name emitted when access is granted.
const SuccessEventName = "subdomainAuthSuccess"

// SuccessEvent is the payload of the grant signal the host page subscribes
// to.
type SuccessEvent struct {
	User      *session.User `json:"user"`
	Token     string        `json:"token"`
	Subdomain string        `json:"subdomain"`
	Timestamp time.Time     `json:"timestamp"`
}

// Event returns the grant signal payload carrying the validated user and
// token, or nil for non-grant decisions.
func (d Decision) Event() *SuccessEvent {
	if d.Type != DecisionGranted {
		return nil
	}
	return &SuccessEvent{
		User:      d.User,
		Token:     d.Token,
		Subdomain: d.Subdomain,
		Timestamp: d.Timestamp,
	}
}

// NewHandle wraps the decision's identity in a read-only handle. Non-grant
// decisions yield an unauthenticated handle.
func (d Decision) NewHandle() *Handle {
	if d.Type != DecisionGranted {
		return NewHandle(nil)
	}
	return NewHandle(d.User)
}

// Validator validates a bearer token against the main auth API.
type Validator interface {
	Validate(ctx context.Context, token string) (*session.User, error)
}

// Refresher exchanges a stored refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*authapi.AuthResponse, error)
}

// Config holds the static configuration of one guard.
type Config struct {
	Policy    policy.SubdomainPolicy
	SignInURL string
	// RetryAttempts is the total number of validation attempts before the
	// guard gives up; default 3.
	RetryAttempts int
	// RetryDelay is the fixed delay between validation attempts; default 2s.
	RetryDelay time.Duration
	// ValidateTimeout bounds each validation call; default 30s.
	ValidateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.ValidateTimeout <= 0 {
		c.ValidateTimeout = authapi.DefaultValidateTimeout
	}
	return c
}

// DecisionHandler observes terminal decisions (audit, success signal).
type DecisionHandler func(Decision)

// Guard runs the access-control flow for one protected subdomain.
type Guard struct {
	cfg       Config
	validator Validator
	refresher Refresher
	evaluator policy.Evaluator

	onDecision DecisionHandler
	onState    func(State)
	now        func() time.Time
	tracer     trace.Tracer
	log        zerolog.Logger
}

// New returns a Guard. refresher may be nil to disable the refresh path;
// onDecision and onState may be nil.
func New(cfg Config, validator Validator, refresher Refresher, evaluator policy.Evaluator, onDecision DecisionHandler, log zerolog.Logger) *Guard {
	return &Guard{
		cfg:        cfg.withDefaults(),
		validator:  validator,
		refresher:  refresher,
		evaluator:  evaluator,
		onDecision: onDecision,
		now:        time.Now,
		tracer:     otel.Tracer("subdomain-auth-bridge/guard"),
		log:        log.With().Str("component", "guard").Str("subdomain", cfg.Policy.Subdomain).Logger(),
	}
}

func (g *Guard) setState(s State) {
	if g.onState != nil {
		g.onState(s)
	}
}

// Run executes the state machine once, strictly sequentially, and returns the
// terminal decision. stores carries the per-request durable locations the
// token is probed from; originalURL is echoed back through the redirect so
// sign-in can return the user here.
func (g *Guard) Run(ctx context.Context, stores Stores, originalURL string) Decision {
	ctx, span := g.tracer.Start(ctx, "guard.run",
		trace.WithAttributes(attribute.String("subdomain", g.cfg.Policy.Subdomain)))
	defer span.End()

	d := g.run(ctx, stores, originalURL)
	span.SetAttributes(
		attribute.String("decision", string(d.Type)),
		attribute.String("reason", d.Reason),
	)
	if g.onDecision != nil {
		g.onDecision(d)
	}
	return d
}

func (g *Guard) run(ctx context.Context, stores Stores, originalURL string) Decision {
	g.setState(StateInitializing)

	g.setState(StateRetrievingToken)
	token, source, err := stores.FirstToken(ctx)
	if err != nil {
		g.log.Error().Err(err).Msg("token retrieval failed")
		return g.redirect(originalURL, RedirectReasonNoToken)
	}
	if token == "" {
		// Missing token short-circuits: no network calls on this path.
		g.log.Debug().Msg("no token in any storage location")
		return g.redirect(originalURL, RedirectReasonNoToken)
	}
	g.log.Debug().Str("source", source).Msg("token retrieved")

	user, err := g.validateWithRetries(ctx, stores, &token)
	if err != nil {
		g.log.Info().Err(err).Msg("validation exhausted; clearing stored auth")
		stores.ClearAuth(ctx)
		return g.redirect(originalURL, RedirectReasonSessionExpired)
	}

	g.setState(StateCheckingPolicy)
	res, err := g.evaluator.Evaluate(ctx, user, g.cfg.Policy)
	if err != nil {
		g.log.Error().Err(err).Msg("policy evaluation failed")
		return g.deny("policy_error", "Access could not be verified. Please try again or contact support.", user)
	}
	if !res.Allow {
		return g.deny(res.Reason, denyMessage(res.Reason), user)
	}

	g.setState(StateGranted)
	d := Decision{
		Type:      DecisionGranted,
		User:      user,
		Token:     token,
		Subdomain: g.cfg.Policy.Subdomain,
		Timestamp: g.now(),
	}
	g.log.Info().Str("user_id", user.ID).Msg("access granted")
	return d
}

// validateWithRetries drives the ValidatingToken/RefreshingToken loop. A 401
// is refreshable: the stored refresh token mints a new token and validation
// re-enters with it. Transport failures retry with the same token. Any other
// failure is terminal. Attempts are bounded by RetryAttempts with a fixed
// delay between them.
func (g *Guard) validateWithRetries(ctx context.Context, stores Stores, token *string) (*session.User, error) {
	backoff := retry.WithMaxRetries(uint64(g.cfg.RetryAttempts-1), retry.NewConstant(g.cfg.RetryDelay))

	var user *session.User
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		g.setState(StateValidatingToken)
		vctx, cancel := context.WithTimeout(ctx, g.cfg.ValidateTimeout)
		u, err := g.validator.Validate(vctx, *token)
		cancel()
		if err == nil {
			user = u
			return nil
		}
		if !errors.Is(err, authapi.ErrUnauthorized) {
			var apiErr *authapi.APIError
			if errors.As(err, &apiErr) {
				// A definitive non-401 rejection will not get better.
				return err
			}
			// Transport failure or timeout: retry with the same token.
			return retry.RetryableError(err)
		}

		if g.refresher == nil {
			return err
		}
		g.setState(StateRefreshingToken)
		refreshToken, rtErr := stores.RefreshToken(ctx)
		if rtErr != nil || refreshToken == "" {
			return err
		}
		resp, refreshErr := g.refresher.Refresh(ctx, refreshToken)
		if refreshErr != nil {
			return fmt.Errorf("refresh after 401: %w", refreshErr)
		}
		*token = resp.Token
		stores.PersistRefreshed(ctx, resp)
		g.log.Debug().Msg("token refreshed; re-validating")
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (g *Guard) deny(reason, message string, user *session.User) Decision {
	g.setState(StateDenied)
	g.log.Info().Str("reason", reason).Msg("access denied")
	return Decision{
		Type:      DecisionDenied,
		Reason:    reason,
		Message:   message,
		User:      user,
		Subdomain: g.cfg.Policy.Subdomain,
		Timestamp: g.now(),
	}
}

func (g *Guard) redirect(originalURL, reason string) Decision {
	g.setState(StateRedirecting)
	g.log.Info().Str("reason", reason).Msg("redirecting to sign-in")
	return Decision{
		Type:        DecisionRedirect,
		Reason:      reason,
		Subdomain:   g.cfg.Policy.Subdomain,
		RedirectURL: SignInRedirectURL(g.cfg.SignInURL, originalURL, reason),
		Timestamp:   g.now(),
	}
}

// SignInRedirectURL builds the sign-in URL carrying the original destination
// and a human-readable reason, so the main flow can return the user and
// explain the redirect.
func SignInRedirectURL(signInURL, originalURL, reason string) string {
	u, err := url.Parse(signInURL)
	if err != nil {
		return signInURL
	}
	q := u.Query()
	q.Set("return_url", originalURL)
	q.Set("reason", reason)
	u.RawQuery = q.Encode()
	return u.String()
}

// denyMessage maps a policy reason code to the remediation message shown on
// the access-denied view. Remediation differs per reason, so the mapping is
// explicit.
func denyMessage(reason string) string {
	switch reason {
	case policy.ReasonInsufficientRole:
		return "Your account does not have permission to access this area."
	case policy.ReasonEmailNotVerified:
		return "Please verify your email address, then try again."
	case policy.ReasonAccountInactive:
		return "Your account is not active. Contact support to restore access."
	default:
		return "Access denied."
	}
}
