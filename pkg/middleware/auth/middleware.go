package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/permgate-go/pkg/auth/guard"
)

const (
	bearerChallenge       = `Bearer realm="permgate"`
	invalidTokenChallenge = `Bearer realm="permgate", error="invalid_token"`
)

// RequirePermissions creates a middleware that lets the request through only
// when its bearer token grants every permission.
func RequirePermissions(a Authorizer, permissions ...string) gin.HandlerFunc {
	return Authorize(a, guard.Require(permissions...))
}

// Authorize creates a middleware enforcing req. On success the caller's
// claims are available through ClaimsFrom.
func Authorize(a Authorizer, req guard.Requirement) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision, err := a.AuthorizeHeader(c.Request.Context(), c.GetHeader("Authorization"), req)
		if err != nil {
			Unavailable(c)
			return
		}
		if !decision.Allowed() {
			Deny(c, decision)
			return
		}

		SetClaims(c, decision.Claims())
		c.Next()
	}
}

// Deny aborts the request with the client-facing response for a denial.
// The decision detail is never written to the client.
func Deny(c *gin.Context, d guard.Decision) {
	switch d.Reason() {
	case guard.ReasonMissingCredential:
		c.Header("WWW-Authenticate", bearerChallenge)
		abort(c, http.StatusUnauthorized, "authorization header is expected")
	case guard.ReasonInsufficientPermission:
		abort(c, http.StatusForbidden, "permission not granted")
	default:
		c.Header("WWW-Authenticate", invalidTokenChallenge)
		abort(c, http.StatusUnauthorized, "invalid token")
	}
}

// Unavailable aborts the request when keys cannot be obtained.
func Unavailable(c *gin.Context) {
	abort(c, http.StatusServiceUnavailable, "authorization temporarily unavailable")
}

func abort(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"code":    status,
		"message": message,
	})
	c.Abort()
}
