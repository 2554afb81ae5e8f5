package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bookit/internal/apperr"
	"github.com/mbd888/bookit/internal/logging"
)

// ContextKeyPrincipal is the key for storing the principal in gin context
const ContextKeyPrincipal = "authPrincipal"

var (
	errUnauthenticated = apperr.Unauthorized("unauthorized", "Bearer token required. Include 'Authorization: Bearer <token>' header.")
	errBadToken        = apperr.Unauthorized("invalid_token", "Invalid or expired token")
	errForbiddenRole   = apperr.Forbidden("forbidden", "Your role cannot perform this action")
)

// Middleware extracts the bearer token if present and, when valid, stores the
// principal in the gin context and the request context. Invalid tokens are
// rejected; missing tokens pass through for RequireAuth to decide.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			apperr.Abort(c, errBadToken)
			return
		}
		p, err := v.Verify(token)
		if err != nil {
			logging.Security(c.Request.Context(), "rejected bearer token", "error", err, "ip", c.ClientIP())
			apperr.Abort(c, errBadToken)
			return
		}
		c.Set(ContextKeyPrincipal, p)
		c.Request = c.Request.WithContext(logging.WithPrincipal(c.Request.Context(), p.UserID))
		c.Next()
	}
}

// RequireAuth rejects requests without a principal.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetPrincipal(c); !ok {
			apperr.Abort(c, errUnauthenticated)
			return
		}
		c.Next()
	}
}

// RequireRole rejects principals whose role is not listed.
func RequireRole(roles ...Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok {
			apperr.Abort(c, errUnauthenticated)
			return
		}
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		apperr.Abort(c, errForbiddenRole)
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// SetPrincipal stores p on the context. Tests use it to skip token handling.
func SetPrincipal(c *gin.Context, p *Principal) {
	c.Set(ContextKeyPrincipal, p)
}
