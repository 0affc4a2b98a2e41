package token

import (
	"errors"
	"fmt"
	"time"
)

const DefaultPermissionsClaim = "permissions"

// Claims is the structured, immutable view of a verified token.
type Claims struct {
	subject     string
	permissions []string
	granted     map[string]struct{}
	roles       []string
	issuer      string
	audience    []string
	expiresAt   time.Time
	issuedAt    time.Time
}

func (c *Claims) Subject() string { return c.subject }

// Permissions returns the token's grants without duplicates.
func (c *Claims) Permissions() []string {
	return append([]string(nil), c.permissions...)
}

func (c *Claims) HasPermission(permission string) bool {
	_, ok := c.granted[permission]
	return ok
}

func (c *Claims) Roles() []string {
	return append([]string(nil), c.roles...)
}

func (c *Claims) Issuer() string { return c.issuer }

func (c *Claims) Audience() []string {
	return append([]string(nil), c.audience...)
}

func (c *Claims) ExpiresAt() time.Time { return c.expiresAt }

// IssuedAt is the zero time when the token carries no iat.
func (c *Claims) IssuedAt() time.Time { return c.issuedAt }

type ExtractOptions struct {
	PermissionsClaim string
	// RolesClaim is optional; empty disables role extraction.
	RolesClaim string
	// RequirePermissions rejects tokens without a permissions claim.
	RequirePermissions bool
}

type Extractor struct {
	opts ExtractOptions
}

func NewExtractor(opts ExtractOptions) *Extractor {
	if opts.PermissionsClaim == "" {
		opts.PermissionsClaim = DefaultPermissionsClaim
	}
	return &Extractor{opts: opts}
}

// Extract builds Claims from a verified payload.
func (e *Extractor) Extract(p *Payload) (*Claims, error) {
	if p == nil {
		return nil, newError(ReasonInvalidClaims, errors.New("no payload"))
	}

	subject, err := p.claims.GetSubject()
	if err != nil {
		return nil, newError(ReasonInvalidClaims, err)
	}
	if subject == "" {
		return nil, newError(ReasonInvalidClaims, errors.New("sub claim is required"))
	}

	permissions, present, err := stringSet(p, e.opts.PermissionsClaim)
	if err != nil {
		return nil, newError(ReasonInvalidClaims, err)
	}
	if !present && e.opts.RequirePermissions {
		return nil, newError(ReasonInvalidClaims, fmt.Errorf("%s claim is required", e.opts.PermissionsClaim))
	}

	var roles []string
	if e.opts.RolesClaim != "" {
		if roles, _, err = stringSet(p, e.opts.RolesClaim); err != nil {
			return nil, newError(ReasonInvalidClaims, err)
		}
	}

	issuer, err := p.claims.GetIssuer()
	if err != nil {
		return nil, newError(ReasonInvalidClaims, err)
	}
	audience, err := p.claims.GetAudience()
	if err != nil {
		return nil, newError(ReasonInvalidClaims, err)
	}
	exp, err := p.claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, newError(ReasonInvalidClaims, errors.New("exp claim is required"))
	}
	iat, err := p.claims.GetIssuedAt()
	if err != nil {
		return nil, newError(ReasonInvalidClaims, err)
	}

	claims := &Claims{
		subject:     subject,
		permissions: permissions,
		granted:     make(map[string]struct{}, len(permissions)),
		roles:       roles,
		issuer:      issuer,
		audience:    []string(audience),
		expiresAt:   exp.Time,
	}
	for _, perm := range permissions {
		claims.granted[perm] = struct{}{}
	}
	if iat != nil {
		claims.issuedAt = iat.Time
	}
	return claims, nil
}

// stringSet reads an array-of-strings claim, dropping duplicates while
// keeping first-seen order.
func stringSet(p *Payload, name string) ([]string, bool, error) {
	raw, ok := p.Get(name)
	if !ok || raw == nil {
		return nil, false, nil
	}

	items, ok := raw.([]interface{})
	if !ok {
		return nil, true, fmt.Errorf("%s claim must be an array", name)
	}

	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, true, fmt.Errorf("%s claim must contain only strings", name)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out, true, nil
}
