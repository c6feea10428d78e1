package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"subdomain-auth-bridge/internal/guard"
)

const requestIDHeader = "X-Request-Id"

const handleKey = "guard.handle"

// RequestID tags every request with a stable id, honoring one supplied by the
// caller.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(requestIDHeader, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)

		c.Next()
	}
}

// Logger writes one structured line per request.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("request_id", c.Writer.Header().Get(requestIDHeader)).
			Msg("http request")
	}
}

// Protect runs the access guard ahead of every request in its group. A grant
// stores the identity handle on the context and lets the request through;
// a denial answers 403 with the remediation message; anything else redirects
// the browser to sign-in with the original URL preserved.
func (h HandlerSet) Protect() gin.HandlerFunc {
	return func(c *gin.Context) {
		d := h.runGuard(c, requestURL(c.Request))

		switch d.Type {
		case guard.DecisionGranted:
			c.Set(handleKey, d.NewHandle())
			c.Next()
		case guard.DecisionDenied:
			c.AbortWithStatusJSON(http.StatusForbidden, guardResponse{
				Decision:  string(d.Type),
				Reason:    d.Reason,
				Message:   d.Message,
				Subdomain: d.Subdomain,
				Timestamp: d.Timestamp,
			})
		default:
			c.Redirect(http.StatusFound, d.RedirectURL)
			c.Abort()
		}
	}
}

// HandleFrom returns the identity handle Protect stored on the context. An
// unauthenticated handle outside a protected group.
func HandleFrom(c *gin.Context) *guard.Handle {
	if v, ok := c.Get(handleKey); ok {
		if handle, ok := v.(*guard.Handle); ok {
			return handle
		}
	}
	return guard.NewHandle(nil)
}

// requestURL reconstructs the URL the visitor asked for so the sign-in flow
// can send them back.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Recovery turns a handler panic into a 500 instead of killing the process.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("error", r).
					Str("request_id", c.Writer.Header().Get(requestIDHeader)).
					Msg("panic recovered")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal_server_error",
				})
			}
		}()
		c.Next()
	}
}
