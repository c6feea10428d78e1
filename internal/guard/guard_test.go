package guard

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/platform"
	"subdomain-auth-bridge/internal/policy"
	"subdomain-auth-bridge/internal/session"
)

type validateResult struct {
	user *session.User
	err  error
}

// scriptedAPI plays back validation results in order; the last entry repeats.
type scriptedAPI struct {
	mu             sync.Mutex
	validateScript []validateResult
	validateCalls  int
	validateTokens []string

	refreshResp  *authapi.AuthResponse
	refreshErr   error
	refreshCalls int
}

func (a *scriptedAPI) Validate(ctx context.Context, token string) (*session.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.validateTokens = append(a.validateTokens, token)
	i := a.validateCalls
	a.validateCalls++
	if i >= len(a.validateScript) {
		i = len(a.validateScript) - 1
	}
	r := a.validateScript[i]
	return r.user, r.err
}

func (a *scriptedAPI) Refresh(ctx context.Context, refreshToken string) (*authapi.AuthResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshCalls++
	return a.refreshResp, a.refreshErr
}

type stubEvaluator struct {
	result policy.Result
	err    error
	calls  int
}

func (e *stubEvaluator) Evaluate(ctx context.Context, user *session.User, p policy.SubdomainPolicy) (policy.Result, error) {
	e.calls++
	return e.result, e.err
}

func unauthorized() error {
	return &authapi.APIError{Status: 401, Code: "unauthorized", Message: "token rejected"}
}

func testUser() *session.User {
	return &session.User{
		ID:            "u-1",
		Email:         "ada@example.com",
		Role:          session.RoleAdmin,
		EmailVerified: true,
		IsActive:      true,
		AccountStatus: session.AccountActive,
	}
}

func testStores() Stores {
	return Stores{
		Storage:        platform.NewMemoryStorage(),
		Cookies:        platform.NewMemoryCookieJar(),
		Keys:           session.DefaultKeys(),
		TokenCookie:    "subdomain_auth_token",
		FallbackCookie: "authToken",
	}
}

func testGuard(api *scriptedAPI, eval policy.Evaluator) *Guard {
	cfg := Config{
		Policy:        policy.SubdomainPolicy{Subdomain: "admin", AllowedRoles: []session.Role{session.RoleAdmin}},
		SignInURL:     "https://app.example.com/signin",
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
	return New(cfg, api, api, eval, nil, zerolog.Nop())
}

func TestRunNoTokenRedirectsWithoutNetwork(t *testing.T) {
	api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	d := g.Run(context.Background(), testStores(), "https://admin.example.com/reports")

	if d.Type != DecisionRedirect {
		t.Fatalf("decision = %v, want redirect", d.Type)
	}
	if d.Reason != RedirectReasonNoToken {
		t.Errorf("reason = %q, want %q", d.Reason, RedirectReasonNoToken)
	}
	if api.validateCalls != 0 || api.refreshCalls != 0 {
		t.Errorf("network calls made on missing-token path: validate=%d refresh=%d", api.validateCalls, api.refreshCalls)
	}

	u, err := url.Parse(d.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect URL: %v", err)
	}
	if got := u.Query().Get("return_url"); got != "https://admin.example.com/reports" {
		t.Errorf("return_url = %q", got)
	}
	if got := u.Query().Get("reason"); got != RedirectReasonNoToken {
		t.Errorf("reason param = %q", got)
	}
}

func TestRunGrantedFromPrimaryStorage(t *testing.T) {
	api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
	eval := &stubEvaluator{result: policy.Result{Allow: true}}
	g := testGuard(api, eval)

	var decisions []Decision
	g.onDecision = func(d Decision) { decisions = append(decisions, d) }

	stores := testStores()
	ctx := context.Background()
	if err := stores.Storage.Set(ctx, stores.Keys.Token, "tok-primary", 0); err != nil {
		t.Fatal(err)
	}

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if !d.Granted() {
		t.Fatalf("decision = %+v, want granted", d)
	}
	if d.User == nil || d.User.ID != "u-1" {
		t.Errorf("user = %+v", d.User)
	}
	if d.Token != "tok-primary" {
		t.Errorf("token = %q", d.Token)
	}
	if d.Subdomain != "admin" {
		t.Errorf("subdomain = %q", d.Subdomain)
	}
	if eval.calls != 1 {
		t.Errorf("policy evaluated %d times, want 1", eval.calls)
	}
	if len(decisions) != 1 || decisions[0].Type != DecisionGranted {
		t.Errorf("decision handler saw %+v", decisions)
	}

	ev := d.Event()
	if ev == nil {
		t.Fatal("granted decision must carry a success event")
	}
	if ev.Token != "tok-primary" || ev.User == nil || ev.User.ID != "u-1" || ev.Subdomain != "admin" {
		t.Errorf("event = %+v", ev)
	}
	handle := d.NewHandle()
	if !handle.IsAuthenticated() || !handle.HasRole(session.RoleAdmin) {
		t.Errorf("handle = %+v", handle)
	}
}

func TestNonGrantDecisionsCarryNoEvent(t *testing.T) {
	d := Decision{Type: DecisionDenied, User: &session.User{ID: "u-1"}}
	if d.Event() != nil {
		t.Error("denied decision must not produce a success event")
	}
	if d.NewHandle().IsAuthenticated() {
		t.Error("denied decision must yield an unauthenticated handle")
	}
}

func TestRunTokenFallbackOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("fallback cookie used when nothing else set", func(t *testing.T) {
		api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
		g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})
		stores := testStores()
		stores.Cookies.SetCookie("authToken", "tok-legacy", 0)

		d := g.Run(ctx, stores, "https://admin.example.com/")
		if !d.Granted() {
			t.Fatalf("decision = %+v", d)
		}
		if api.validateTokens[0] != "tok-legacy" {
			t.Errorf("validated %q, want fallback cookie token", api.validateTokens[0])
		}
	})

	t.Run("session storage wins over cookies", func(t *testing.T) {
		api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
		g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})
		stores := testStores()
		if err := stores.Storage.Set(ctx, stores.Keys.SessionToken, "tok-session", 0); err != nil {
			t.Fatal(err)
		}
		stores.Cookies.SetCookie("subdomain_auth_token", "tok-cookie", 0)
		stores.Cookies.SetCookie("authToken", "tok-legacy", 0)

		g.Run(ctx, stores, "https://admin.example.com/")
		if api.validateTokens[0] != "tok-session" {
			t.Errorf("validated %q, want session storage token", api.validateTokens[0])
		}
	})
}

func TestRunRefreshesOn401ThenGrants(t *testing.T) {
	api := &scriptedAPI{
		validateScript: []validateResult{
			{err: unauthorized()},
			{user: testUser()},
		},
		refreshResp: &authapi.AuthResponse{Token: "tok-new", RefreshToken: "rt-new"},
	}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.SessionToken, "tok-stale", 0)
	stores.Storage.Set(ctx, stores.Keys.RefreshToken, "rt-old", 0)
	stores.Cookies.SetCookie("authToken", "tok-ancient", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if !d.Granted() {
		t.Fatalf("decision = %+v", d)
	}
	if d.Token != "tok-new" {
		t.Errorf("granted token = %q, want refreshed token", d.Token)
	}
	if api.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", api.refreshCalls)
	}
	if got := api.validateTokens; len(got) != 2 || got[1] != "tok-new" {
		t.Errorf("validated tokens %v", got)
	}

	// Refreshed token lands in the primary slot and stale copies are gone.
	if v, _ := stores.Storage.Get(ctx, stores.Keys.Token); v != "tok-new" {
		t.Errorf("primary storage = %q after refresh", v)
	}
	if v, _ := stores.Storage.Get(ctx, stores.Keys.SessionToken); v != "" {
		t.Errorf("session storage still holds %q", v)
	}
	if v, _ := stores.Storage.Get(ctx, stores.Keys.RefreshToken); v != "rt-new" {
		t.Errorf("refresh token = %q", v)
	}
	if v := stores.Cookies.GetCookie("authToken"); v != "" {
		t.Errorf("fallback cookie still holds %q", v)
	}
}

func TestRunExhaustedRetriesClearsAndRedirects(t *testing.T) {
	api := &scriptedAPI{
		validateScript: []validateResult{{err: unauthorized()}},
		refreshResp:    &authapi.AuthResponse{Token: "tok-new", RefreshToken: "rt-new"},
	}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-bad", 0)
	stores.Storage.Set(ctx, stores.Keys.RefreshToken, "rt-1", 0)
	stores.Storage.Set(ctx, stores.Keys.User, `{"id":"u-1"}`, 0)
	stores.Cookies.SetCookie("subdomain_auth_token", "tok-bad", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if d.Type != DecisionRedirect {
		t.Fatalf("decision = %+v, want redirect", d)
	}
	if d.Reason != RedirectReasonSessionExpired {
		t.Errorf("reason = %q, want %q", d.Reason, RedirectReasonSessionExpired)
	}
	if api.validateCalls != 3 {
		t.Errorf("validate calls = %d, want 3", api.validateCalls)
	}

	for _, key := range []string{stores.Keys.Token, stores.Keys.SessionToken, stores.Keys.RefreshToken, stores.Keys.User} {
		if v, _ := stores.Storage.Get(ctx, key); v != "" {
			t.Errorf("storage key %q not cleared: %q", key, v)
		}
	}
	if v := stores.Cookies.GetCookie("subdomain_auth_token"); v != "" {
		t.Errorf("token cookie not cleared: %q", v)
	}
}

func TestRunRefreshFailureIsTerminal(t *testing.T) {
	api := &scriptedAPI{
		validateScript: []validateResult{{err: unauthorized()}},
		refreshErr:     errors.New("refresh token revoked"),
	}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-bad", 0)
	stores.Storage.Set(ctx, stores.Keys.RefreshToken, "rt-1", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if d.Type != DecisionRedirect || d.Reason != RedirectReasonSessionExpired {
		t.Fatalf("decision = %+v, want session-expired redirect", d)
	}
	if api.validateCalls != 1 {
		t.Errorf("validate calls = %d, want 1", api.validateCalls)
	}
	if v, _ := stores.Storage.Get(ctx, stores.Keys.Token); v != "" {
		t.Errorf("storage not cleared after terminal refresh failure")
	}
}

func TestRunNoRefreshTokenStopsRetrying(t *testing.T) {
	api := &scriptedAPI{validateScript: []validateResult{{err: unauthorized()}}}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-bad", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if d.Type != DecisionRedirect {
		t.Fatalf("decision = %+v", d)
	}
	if api.validateCalls != 1 {
		t.Errorf("validate calls = %d, want 1", api.validateCalls)
	}
	if api.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0", api.refreshCalls)
	}
}

func TestRunTransportErrorRetriedWithSameToken(t *testing.T) {
	api := &scriptedAPI{
		validateScript: []validateResult{
			{err: errors.New("connection reset")},
			{user: testUser()},
		},
	}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-1", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")

	if !d.Granted() {
		t.Fatalf("decision = %+v", d)
	}
	if api.refreshCalls != 0 {
		t.Errorf("refresh calls = %d, want 0 for transport failure", api.refreshCalls)
	}
	if got := api.validateTokens; len(got) != 2 || got[0] != got[1] {
		t.Errorf("validated tokens %v, want same token twice", got)
	}
}

func TestRunPolicyDenialCarriesMessage(t *testing.T) {
	cases := []struct {
		reason      string
		wantSnippet string
	}{
		{policy.ReasonInsufficientRole, "permission"},
		{policy.ReasonEmailNotVerified, "verify your email"},
		{policy.ReasonAccountInactive, "not active"},
	}
	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
			g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: false, Reason: tc.reason}})

			stores := testStores()
			ctx := context.Background()
			stores.Storage.Set(ctx, stores.Keys.Token, "tok-1", 0)

			d := g.Run(ctx, stores, "https://admin.example.com/")
			if d.Type != DecisionDenied {
				t.Fatalf("decision = %+v, want denied", d)
			}
			if d.Reason != tc.reason {
				t.Errorf("reason = %q", d.Reason)
			}
			if !strings.Contains(strings.ToLower(d.Message), tc.wantSnippet) {
				t.Errorf("message %q missing %q", d.Message, tc.wantSnippet)
			}
			if d.RedirectURL != "" {
				t.Errorf("denial must not redirect, got %q", d.RedirectURL)
			}
			// A denial does not tear down the session on the main domain.
			if v, _ := stores.Storage.Get(ctx, stores.Keys.Token); v != "tok-1" {
				t.Errorf("stored token disturbed by denial: %q", v)
			}
		})
	}
}

func TestRunEvaluatorErrorDeniesClosed(t *testing.T) {
	api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
	g := testGuard(api, &stubEvaluator{err: errors.New("rego blew up")})

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-1", 0)

	d := g.Run(ctx, stores, "https://admin.example.com/")
	if d.Type != DecisionDenied {
		t.Fatalf("decision = %+v, want denied on evaluator failure", d)
	}
	if d.Message == "" {
		t.Error("denial without a user-facing message")
	}
}

func TestRunStateSequenceOnGrant(t *testing.T) {
	api := &scriptedAPI{validateScript: []validateResult{{user: testUser()}}}
	g := testGuard(api, &stubEvaluator{result: policy.Result{Allow: true}})

	var states []State
	g.onState = func(s State) { states = append(states, s) }

	stores := testStores()
	ctx := context.Background()
	stores.Storage.Set(ctx, stores.Keys.Token, "tok-1", 0)

	g.Run(ctx, stores, "https://admin.example.com/")

	want := []State{StateInitializing, StateRetrievingToken, StateValidatingToken, StateCheckingPolicy, StateGranted}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestHandleRoleChecks(t *testing.T) {
	h := NewHandle(testUser())
	if !h.IsAuthenticated() {
		t.Fatal("handle should be authenticated")
	}
	if !h.HasRole(session.RoleAdmin) {
		t.Error("HasRole(admin) = false")
	}
	if h.HasRole(session.RoleUser) {
		t.Error("HasRole(user) = true")
	}
	if !h.HasAnyRole(session.RoleUser, session.RoleAdmin) {
		t.Error("HasAnyRole(user, admin) = false")
	}
	if h.HasAnyRole(session.RoleUser) {
		t.Error("HasAnyRole(user) = true")
	}

	anon := NewHandle(nil)
	if anon.IsAuthenticated() || anon.HasRole(session.RoleUser) || anon.HasAnyRole(session.RoleUser, session.RoleAdmin) {
		t.Error("nil-user handle must fail every check")
	}
	if anon.User() != nil {
		t.Error("nil-user handle returned a user")
	}
}

func TestHandleUserIsACopy(t *testing.T) {
	orig := testUser()
	h := NewHandle(orig)
	u := h.User()
	u.Role = session.RoleUser
	if !h.HasRole(session.RoleAdmin) {
		t.Error("mutating the returned copy changed the handle")
	}
	orig.Role = session.RoleUser
	if !h.HasRole(session.RoleAdmin) {
		t.Error("mutating the original changed the handle")
	}
}
