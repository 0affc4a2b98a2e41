package server

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/permgate-go/pkg/auth/guard"
	"github.com/permgate-go/pkg/auth/keyset"
	"github.com/permgate-go/pkg/logger"
	authmw "github.com/permgate-go/pkg/middleware/auth"
)

const (
	headerForwardedMethod = "X-Forwarded-Method"
	headerForwardedURI    = "X-Forwarded-Uri"
	headerAuthSubject     = "X-Auth-Subject"
	headerAuthPermissions = "X-Auth-Permissions"
)

var _ authmw.Authorizer = (*guard.Guard)(nil)

type Handlers struct {
	guard    authmw.Authorizer
	resolver *keyset.Resolver
	rules    Rules
	logger   logger.Logger
}

func NewHandlers(g authmw.Authorizer, resolver *keyset.Resolver, rules Rules, log logger.Logger) *Handlers {
	return &Handlers{guard: g, resolver: resolver, rules: rules, logger: log}
}

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready reports ready once a key set has been loaded.
func (h *Handlers) Ready(c *gin.Context) {
	if !h.resolver.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "keys": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "keys": h.resolver.Len()})
}

// Authorize is the forward-auth endpoint. The proxy passes the original
// method and URI in X-Forwarded-* headers along with the Authorization header.
func (h *Handlers) Authorize(c *gin.Context) {
	method := c.GetHeader(headerForwardedMethod)
	if method == "" {
		method = c.Request.Method
	}
	target := forwardedPath(c.GetHeader(headerForwardedURI))
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"code":    http.StatusBadRequest,
			"message": "missing " + headerForwardedURI,
		})
		return
	}

	req, ok := h.rules.Match(method, target)
	if !ok {
		h.logger.Info("No rule for forwarded request", "method", method, "path", target)
		c.JSON(http.StatusForbidden, gin.H{
			"success": false,
			"code":    http.StatusForbidden,
			"message": "permission not granted",
		})
		return
	}

	decision, err := h.guard.AuthorizeHeader(c.Request.Context(), c.GetHeader("Authorization"), req)
	if err != nil {
		authmw.Unavailable(c)
		return
	}
	if !decision.Allowed() {
		authmw.Deny(c, decision)
		return
	}

	claims := decision.Claims()
	c.Header(headerAuthSubject, claims.Subject())
	c.Header(headerAuthPermissions, strings.Join(claims.Permissions(), ","))
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"subject": claims.Subject(),
	})
}

// forwardedPath reduces a forwarded URI to a clean path without query.
func forwardedPath(uri string) string {
	if uri == "" {
		return ""
	}
	u, err := url.ParseRequestURI(uri)
	if err != nil || u.Path == "" {
		return ""
	}
	return path.Clean(u.Path)
}
