package auth

import (
	"github.com/gin-gonic/gin"
	"github.com/permgate-go/pkg/auth/token"
)

const (
	ContextKeyUserID      = "userId"
	ContextKeyPermissions = "permissions"
	ContextKeyClaims      = "authClaims"
)

// SetClaims stores verified claims on the request context.
func SetClaims(c *gin.Context, claims *token.Claims) {
	c.Set(ContextKeyClaims, claims)
	c.Set(ContextKeyUserID, claims.Subject())
	c.Set(ContextKeyPermissions, claims.Permissions())
}

// ClaimsFrom returns the claims stored by the authorization middleware.
func ClaimsFrom(c *gin.Context) (*token.Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.Claims)
	return claims, ok && claims != nil
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

func GetPermissions(c *gin.Context) []string {
	return c.GetStringSlice(ContextKeyPermissions)
}
