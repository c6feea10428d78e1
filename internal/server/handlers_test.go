package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/audit/domain"
	auditrepo "subdomain-auth-bridge/internal/audit/repository"
	"subdomain-auth-bridge/internal/authapi"
	"subdomain-auth-bridge/internal/coldstart"
	"subdomain-auth-bridge/internal/config"
	"subdomain-auth-bridge/internal/guard"
	"subdomain-auth-bridge/internal/platform"
	"subdomain-auth-bridge/internal/policy"
	"subdomain-auth-bridge/internal/session"
	"subdomain-auth-bridge/internal/token"
)

type fakeAuthAPI struct {
	signInResp   *authapi.AuthResponse
	signInErr    error
	refreshResp  *authapi.AuthResponse
	refreshErr   error
	validateUser *session.User
	validateErr  error
}

func (f *fakeAuthAPI) SignIn(ctx context.Context, email, password string) (*authapi.AuthResponse, error) {
	return f.signInResp, f.signInErr
}

func (f *fakeAuthAPI) Refresh(ctx context.Context, refreshToken string) (*authapi.AuthResponse, error) {
	return f.refreshResp, f.refreshErr
}

func (f *fakeAuthAPI) Validate(ctx context.Context, tok string) (*session.User, error) {
	return f.validateUser, f.validateErr
}

func (f *fakeAuthAPI) Logout(ctx context.Context, tok string) error { return nil }

type allowAll struct{}

func (allowAll) Evaluate(ctx context.Context, user *session.User, p policy.SubdomainPolicy) (policy.Result, error) {
	return policy.Result{Allow: true}, nil
}

type rig struct {
	engine  *gin.Engine
	storage *platform.MemoryStorage
	store   *session.Store
	api     *fakeAuthAPI
	cfg     *config.Config
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		HTTPAddr:           ":0",
		AuthAPIBaseURL:     "http://auth.test",
		SignInURL:          "https://app.example.com/signin",
		Subdomain:          "admin",
		TokenCookieName:    "subdomain_auth_token",
		FallbackCookieName: "authToken",
		GuardRetryAttempts: 3,
		GuardRetryDelay:    "1ms",
		ProtectedPrefix:    "/app",
	}

	api := &fakeAuthAPI{}
	storage := platform.NewMemoryStorage()
	keys := session.DefaultKeys()
	store := session.NewStore(storage, keys, zerolog.Nop())
	manager := token.NewManager(store, api, time.Minute, nil, zerolog.Nop())

	bus := coldstart.NewBus(zerolog.Nop())
	watchdog := coldstart.NewWatchdog(bus, coldstart.DefaultThreshold)
	coordinator := coldstart.NewCoordinator(bus, coldstart.DefaultThreshold, coldstart.DefaultMaxWait)
	t.Cleanup(coordinator.Close)

	g := guard.New(guard.Config{
		Policy:        policy.SubdomainPolicy{Subdomain: "admin", AllowedRoles: []session.Role{session.RoleAdmin}},
		SignInURL:     cfg.SignInURL,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	}, api, api, allowAll{}, nil, zerolog.Nop())

	handlers := NewHandlerSet(zerolog.Nop(), cfg, manager, store, g, storage, keys, watchdog, coordinator, nil, nil, nil, nil, nil)
	srv := NewHTTPServer(cfg, zerolog.Nop(), handlers)

	return &rig{engine: srv.Engine(), storage: storage, store: store, api: api, cfg: cfg}
}

func (r *rig) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)
	return w
}

func TestHealthOK(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Checks["policy"] != "ok" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestStatusIdle(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var sig coldstart.LoadingSignal
	if err := json.Unmarshal(w.Body.Bytes(), &sig); err != nil {
		t.Fatal(err)
	}
	if sig.IsLoading || sig.IsColdStart {
		t.Errorf("idle signal = %+v", sig)
	}
}

func TestSessionEmpty(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/api/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.IsAuthenticated || view.User != nil {
		t.Errorf("view = %+v", view)
	}
}

func TestSignInRequiresCredentials(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodPost, "/api/session/signin", `{"email":"a@b.c"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSignInSuccessEstablishesSession(t *testing.T) {
	r := newRig(t)
	r.api.signInResp = &authapi.AuthResponse{
		Token:        "tok-1",
		RefreshToken: "rt-1",
		User:         &session.User{ID: "u-1", Email: "ada@example.com", Role: session.RoleAdmin},
	}

	w := r.do(http.MethodPost, "/api/session/signin", `{"email":"ada@example.com","password":"pw"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if !r.store.IsAuthenticated() {
		t.Error("store not authenticated after sign-in")
	}
	var view sessionView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if !view.IsAuthenticated || view.User == nil || view.User.ID != "u-1" {
		t.Errorf("view = %+v", view)
	}
}

func TestSignInInvalidCredentials(t *testing.T) {
	r := newRig(t)
	r.api.signInErr = &authapi.APIError{Status: 401, Code: "invalid_credentials", Message: "bad password"}

	w := r.do(http.MethodPost, "/api/session/signin", `{"email":"ada@example.com","password":"nope"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if r.store.IsAuthenticated() {
		t.Error("store authenticated after rejected sign-in")
	}
}

func TestSignOut(t *testing.T) {
	r := newRig(t)
	r.api.signInResp = &authapi.AuthResponse{
		Token: "tok-1", RefreshToken: "rt-1",
		User: &session.User{ID: "u-1"},
	}
	r.do(http.MethodPost, "/api/session/signin", `{"email":"a@b.c","password":"pw"}`)

	w := r.do(http.MethodPost, "/api/session/signout", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if r.store.IsAuthenticated() {
		t.Error("store still authenticated after sign-out")
	}
}

func TestGuardCheckNoTokenRedirects(t *testing.T) {
	r := newRig(t)
	w := r.do(http.MethodGet, "/api/guard/check?url=https://admin.example.com/x", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var resp guardResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "redirect" {
		t.Errorf("decision = %q", resp.Decision)
	}
	if !strings.Contains(resp.RedirectURL, "return_url=") {
		t.Errorf("redirectUrl = %q", resp.RedirectURL)
	}
}

func TestGuardCheckGrantedFromCookie(t *testing.T) {
	r := newRig(t)
	r.api.validateUser = &session.User{ID: "u-1", Role: session.RoleAdmin, EmailVerified: true, IsActive: true, AccountStatus: session.AccountActive}

	req := httptest.NewRequest(http.MethodGet, "/api/guard/check?url=https://admin.example.com/", nil)
	req.AddCookie(&http.Cookie{Name: "subdomain_auth_token", Value: "tok-cookie"})
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp guardResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Decision != "granted" || resp.User == nil || resp.User.ID != "u-1" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Event != guard.SuccessEventName {
		t.Errorf("event = %q", resp.Event)
	}
	// The embedding page needs the validated token, not just the identity.
	if resp.Token != "tok-cookie" {
		t.Errorf("token = %q, want the validated token", resp.Token)
	}
}

func TestGuardCheckDenied(t *testing.T) {
	r := newRig(t)
	r.api.validateUser = &session.User{ID: "u-1", Role: session.RoleUser}

	// Swap in a guard whose evaluator denies.
	gin.SetMode(gin.TestMode)
	deny := denyAll{reason: policy.ReasonInsufficientRole}
	g := guard.New(guard.Config{
		Policy:        policy.SubdomainPolicy{Subdomain: "admin", AllowedRoles: []session.Role{session.RoleAdmin}},
		SignInURL:     r.cfg.SignInURL,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}, r.api, r.api, deny, nil, zerolog.Nop())
	keys := session.DefaultKeys()
	handlers := NewHandlerSet(zerolog.Nop(), r.cfg, nil, r.store, g, r.storage, keys, nil, nil, nil, nil, nil, nil, nil)

	engine := gin.New()
	engine.GET("/api/guard/check", handlers.GuardCheck)

	req := httptest.NewRequest(http.MethodGet, "/api/guard/check?url=https://admin.example.com/", nil)
	req.AddCookie(&http.Cookie{Name: "subdomain_auth_token", Value: "tok-cookie"})
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	var resp guardResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Reason != policy.ReasonInsufficientRole || resp.Message == "" {
		t.Errorf("resp = %+v", resp)
	}
}

type denyAll struct{ reason string }

func (d denyAll) Evaluate(ctx context.Context, user *session.User, p policy.SubdomainPolicy) (policy.Result, error) {
	return policy.Result{Allow: false, Reason: d.reason}, nil
}

func TestProtectedPrefixRedirectsAnonymous(t *testing.T) {
	r := newRig(t)

	w := r.do(http.MethodGet, "/app/dashboard", "")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, r.cfg.SignInURL) {
		t.Errorf("Location = %q, want sign-in redirect", loc)
	}
	if !strings.Contains(loc, "return_url=") {
		t.Errorf("Location = %q, missing return url", loc)
	}
}

func TestProtectedPrefixServesIdentityOnGrant(t *testing.T) {
	r := newRig(t)
	r.api.validateUser = &session.User{ID: "u-1", Role: session.RoleAdmin, EmailVerified: true, IsActive: true, AccountStatus: session.AccountActive}

	req := httptest.NewRequest(http.MethodGet, "/app/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "subdomain_auth_token", Value: "tok-cookie"})
	w := httptest.NewRecorder()
	r.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		IsAuthenticated bool          `json:"isAuthenticated"`
		User            *session.User `json:"user"`
		IsAdmin         bool          `json:"isAdmin"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.IsAuthenticated || !resp.IsAdmin || resp.User == nil || resp.User.ID != "u-1" {
		t.Errorf("resp = %+v", resp)
	}
}

type fakeDecisions struct {
	records []*domain.Record
}

func (f *fakeDecisions) GetByID(ctx context.Context, id string) (*domain.Record, error) {
	for _, r := range f.records {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeDecisions) ListBySubdomain(ctx context.Context, subdomain string, limit, offset int32) ([]*domain.Record, error) {
	var out []*domain.Record
	for _, r := range f.records {
		if r.Subdomain == subdomain {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeDecisions) Create(ctx context.Context, r *domain.Record) error {
	f.records = append(f.records, r)
	return nil
}

func auditRig(t *testing.T, decisions *fakeDecisions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{Subdomain: "admin"}
	var repo auditrepo.Repository
	if decisions != nil {
		repo = decisions
	}
	handlers := NewHandlerSet(zerolog.Nop(), cfg, nil, nil, nil, nil, session.DefaultKeys(), nil, nil, nil, repo, nil, nil, nil)

	engine := gin.New()
	engine.GET("/api/audit/decisions", handlers.ListDecisions)
	engine.GET("/api/audit/decisions/:id", handlers.GetDecision)
	return engine
}

func TestAuditEndpointsDisabledWithoutRepository(t *testing.T) {
	engine := auditRig(t, nil)

	for _, path := range []string{"/api/audit/decisions", "/api/audit/decisions/some-id"} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, w.Code)
		}
	}
}

func TestAuditListDecisions(t *testing.T) {
	decisions := &fakeDecisions{records: []*domain.Record{
		{ID: "d-1", Subdomain: "admin", Decision: "granted"},
		{ID: "d-2", Subdomain: "admin", Decision: "denied", Reason: policy.ReasonInsufficientRole},
		{ID: "d-3", Subdomain: "billing", Decision: "granted"},
	}}
	engine := auditRig(t, decisions)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit/decisions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var resp struct {
		Subdomain string           `json:"subdomain"`
		Decisions []*domain.Record `json:"decisions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	// Subdomain defaults from config; the other subdomain's record stays out.
	if resp.Subdomain != "admin" || len(resp.Decisions) != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuditGetDecision(t *testing.T) {
	decisions := &fakeDecisions{records: []*domain.Record{
		{ID: "d-1", Subdomain: "admin", Decision: "redirect", Reason: guard.RedirectReasonSessionExpired},
	}}
	engine := auditRig(t, decisions)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit/decisions/d-1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	var rec domain.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID != "d-1" || rec.Decision != "redirect" {
		t.Errorf("rec = %+v", rec)
	}

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/audit/decisions/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", w.Code)
	}
}
