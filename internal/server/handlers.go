package server

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/audit"
	auditrepo "subdomain-auth-bridge/internal/audit/repository"
	"subdomain-auth-bridge/internal/coldstart"
	"subdomain-auth-bridge/internal/config"
	"subdomain-auth-bridge/internal/guard"
	"subdomain-auth-bridge/internal/platform"
	"subdomain-auth-bridge/internal/policy"
	"subdomain-auth-bridge/internal/session"
	"subdomain-auth-bridge/internal/telemetry"
	"subdomain-auth-bridge/internal/token"
)

// HandlerSet bundles everything the HTTP surface needs.
type HandlerSet struct {
	log         zerolog.Logger
	cfg         *config.Config
	manager     *token.Manager
	store       *session.Store
	guard       *guard.Guard
	storage     platform.Storage
	keys        session.Keys
	watchdog    *coldstart.Watchdog
	coordinator *coldstart.Coordinator
	recorder    *audit.Recorder
	decisions   auditrepo.Repository
	metrics     *telemetry.Metrics
	db          *sql.DB
	cache       *redis.Client
}

// NewHandlerSet wires the handlers. db and cache may be nil when the
// corresponding backends are not configured; recorder, decisions and metrics
// may be nil.
func NewHandlerSet(
	log zerolog.Logger,
	cfg *config.Config,
	manager *token.Manager,
	store *session.Store,
	g *guard.Guard,
	storage platform.Storage,
	keys session.Keys,
	watchdog *coldstart.Watchdog,
	coordinator *coldstart.Coordinator,
	recorder *audit.Recorder,
	decisions auditrepo.Repository,
	metrics *telemetry.Metrics,
	db *sql.DB,
	cache *redis.Client,
) HandlerSet {
	return HandlerSet{
		log:         log,
		cfg:         cfg,
		manager:     manager,
		store:       store,
		guard:       g,
		storage:     storage,
		keys:        keys,
		watchdog:    watchdog,
		coordinator: coordinator,
		recorder:    recorder,
		decisions:   decisions,
		metrics:     metrics,
		db:          db,
		cache:       cache,
	}
}

// Register mounts all routes on the router.
func (h HandlerSet) Register(router *gin.Engine) {
	router.GET("/healthz", h.Health)
	router.GET("/status", h.Status)

	api := router.Group("/api")
	{
		sess := api.Group("/session")
		sess.GET("", h.Session)
		sess.POST("/signin", h.SignIn)
		sess.POST("/signout", h.SignOut)
		sess.POST("/refresh", h.Refresh)

		api.GET("/guard/check", h.GuardCheck)

		api.GET("/audit/decisions", h.ListDecisions)
		api.GET("/audit/decisions/:id", h.GetDecision)
	}

	if h.cfg.ProtectedPrefix != "" {
		protected := router.Group(h.cfg.ProtectedPrefix, h.Protect())
		protected.GET("/*any", h.Protected)
	}
}

// Health reports readiness of the bridge and its backends.
func (h HandlerSet) Health(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	healthy := true

	if err := policy.HealthCheck(ctx); err != nil {
		checks["policy"] = err.Error()
		healthy = false
	} else {
		checks["policy"] = "ok"
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			healthy = false
		} else {
			checks["postgres"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

// Status exposes the loading signal the host UI polls while waiting on a
// possibly cold backend.
func (h HandlerSet) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Snapshot(h.watchdog.Inflight()))
}

type sessionView struct {
	IsAuthenticated bool          `json:"isAuthenticated"`
	User            *session.User `json:"user,omitempty"`
	TokenExpired    bool          `json:"tokenExpired"`
}

// Session returns the current session state.
func (h HandlerSet) Session(c *gin.Context) {
	c.JSON(http.StatusOK, sessionView{
		IsAuthenticated: h.store.IsAuthenticated(),
		User:            h.store.User(),
		TokenExpired:    h.store.IsTokenExpired(),
	})
}

type signInRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// SignIn authenticates against the upstream auth API and establishes the
// bridge session.
func (h HandlerSet) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	res, err := h.manager.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "auth_api_unreachable", "message": "Sign in could not be completed. Please try again."})
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials", "message": res.Reason})
		return
	}
	c.JSON(http.StatusOK, sessionView{
		IsAuthenticated: true,
		User:            h.store.User(),
	})
}

// SignOut tears down the session. Always succeeds from the caller's view.
func (h HandlerSet) SignOut(c *gin.Context) {
	h.manager.SignOut(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// Refresh forces a token refresh. Concurrent calls share one network request.
func (h HandlerSet) Refresh(c *gin.Context) {
	if err := h.manager.Refresh(c.Request.Context()); err != nil {
		h.metrics.RecordRefresh(c.Request.Context(), "failure")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_expired", "message": "Your session has expired. Please sign in again."})
		return
	}
	h.metrics.RecordRefresh(c.Request.Context(), "success")
	c.JSON(http.StatusOK, sessionView{
		IsAuthenticated: h.store.IsAuthenticated(),
		User:            h.store.User(),
	})
}

type guardResponse struct {
	Decision    string        `json:"decision"`
	Reason      string        `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	Event       string        `json:"event,omitempty"`
	User        *session.User `json:"user,omitempty"`
	Token       string        `json:"token,omitempty"`
	Subdomain   string        `json:"subdomain"`
	Timestamp   time.Time     `json:"timestamp"`
}

// guardStores builds the per-request durable token locations: shared storage
// plus the caller's own cookies.
func (h HandlerSet) guardStores(c *gin.Context) guard.Stores {
	jar := platform.NewHTTPCookieJar(c.Request, c.Writer, h.cfg.CookieDomain, h.cfg.CookieSecure)
	return guard.Stores{
		Storage:        h.storage,
		Cookies:        jar,
		Keys:           h.keys,
		TokenCookie:    h.cfg.TokenCookieName,
		FallbackCookie: h.cfg.FallbackCookieName,
	}
}

// runGuard executes one guard run for the calling request and records the
// decision on the audit trail and metrics.
func (h HandlerSet) runGuard(c *gin.Context, originalURL string) guard.Decision {
	d := h.guard.Run(c.Request.Context(), h.guardStores(c), originalURL)
	h.recorder.RecordAsync(d, c.ClientIP())
	h.metrics.RecordDecision(c.Request.Context(), d.Subdomain, string(d.Type), d.Reason)
	return d
}

// GuardCheck runs the access guard for the calling request. Cookies ride in
// on the request itself; the original URL comes from the "url" query
// parameter so the sign-in flow can send the visitor back.
func (h HandlerSet) GuardCheck(c *gin.Context) {
	originalURL := c.Query("url")
	if originalURL == "" {
		originalURL = c.Request.Referer()
	}

	d := h.runGuard(c, originalURL)

	resp := guardResponse{
		Decision:    string(d.Type),
		Reason:      d.Reason,
		Message:     d.Message,
		RedirectURL: d.RedirectURL,
		Subdomain:   d.Subdomain,
		Timestamp:   d.Timestamp,
	}

	switch d.Type {
	case guard.DecisionGranted:
		// The grant payload hands the validated identity and token to the
		// embedding page.
		ev := d.Event()
		resp.Event = guard.SuccessEventName
		resp.User = ev.User
		resp.Token = ev.Token
		c.JSON(http.StatusOK, resp)
	case guard.DecisionDenied:
		c.JSON(http.StatusForbidden, resp)
	default:
		c.JSON(http.StatusUnauthorized, resp)
	}
}

// Protected serves the identity view for pages behind the guard middleware.
func (h HandlerSet) Protected(c *gin.Context) {
	handle := HandleFrom(c)
	c.JSON(http.StatusOK, gin.H{
		"isAuthenticated": handle.IsAuthenticated(),
		"user":            handle.User(),
		"isAdmin":         handle.HasRole(session.RoleAdmin),
	})
}

const maxDecisionPage = 200

type decisionQuery struct {
	Subdomain string `form:"subdomain"`
	Limit     int32  `form:"limit,default=50"`
	Offset    int32  `form:"offset"`
}

// ListDecisions pages through the recorded access decisions for a subdomain,
// newest first. 404 when the decision trail is not configured.
func (h HandlerSet) ListDecisions(c *gin.Context) {
	if h.decisions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit_disabled", "message": "Access decision recording is not configured."})
		return
	}
	var q decisionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if q.Subdomain == "" {
		q.Subdomain = h.cfg.Subdomain
	}
	if q.Limit < 1 || q.Limit > maxDecisionPage {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	records, err := h.decisions.ListBySubdomain(c.Request.Context(), q.Subdomain, q.Limit, q.Offset)
	if err != nil {
		h.log.Error().Err(err).Str("subdomain", q.Subdomain).Msg("list decisions")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subdomain": q.Subdomain, "decisions": records})
}

// GetDecision returns one recorded access decision by id.
func (h HandlerSet) GetDecision(c *gin.Context) {
	if h.decisions == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit_disabled", "message": "Access decision recording is not configured."})
		return
	}
	rec, err := h.decisions.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error().Err(err).Str("id", c.Param("id")).Msg("get decision")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}
