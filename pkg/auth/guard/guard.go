// Package guard decides whether a bearer credential satisfies the permission
// requirement of an operation.
//
// Authorize yields a Decision for every credential problem. The only error it
// returns is a key source outage, which callers must report as a server-side
// failure rather than as an authentication failure.
package guard

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/permgate-go/pkg/auth/keyset"
	"github.com/permgate-go/pkg/auth/token"
	"github.com/permgate-go/pkg/logger"
	"github.com/permgate-go/pkg/metrics"
	"github.com/permgate-go/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Reason string

const (
	ReasonMissingCredential      Reason = "missing_credential"
	ReasonInvalidToken           Reason = "invalid_token"
	ReasonInsufficientPermission Reason = "insufficient_permission"
)

// Requirement lists permissions that must all be granted.
type Requirement struct {
	permissions []string
}

// Require builds a Requirement. With no permissions only a valid token is
// needed.
func Require(permissions ...string) Requirement {
	return Requirement{permissions: append([]string(nil), permissions...)}
}

func (r Requirement) Permissions() []string {
	return append([]string(nil), r.permissions...)
}

func (r Requirement) String() string {
	return strings.Join(r.permissions, ",")
}

// Decision is the outcome of one authorization attempt.
type Decision struct {
	allowed bool
	reason  Reason
	detail  string
	claims  *token.Claims
	// subject of a verified token that was still denied; logged only
	subject string
}

func allow(claims *token.Claims) Decision {
	return Decision{allowed: true, claims: claims}
}

func deny(reason Reason, detail string) Decision {
	return Decision{reason: reason, detail: detail}
}

func (d Decision) Allowed() bool { return d.allowed }

// Reason is empty for allowed decisions.
func (d Decision) Reason() Reason { return d.reason }

// Detail carries the internal subreason of a denial. It is meant for logs
// and must not be sent to the client.
func (d Decision) Detail() string { return d.detail }

// Claims is nil unless the decision is allowed.
func (d Decision) Claims() *token.Claims { return d.claims }

type Verifier interface {
	Verify(ctx context.Context, raw string, now time.Time) (*token.Payload, error)
}

type Extractor interface {
	Extract(p *token.Payload) (*token.Claims, error)
}

type Guard struct {
	verifier  Verifier
	extractor Extractor
	grants    RoleGrants
	now       func() time.Time
	logger    logger.Logger
	tracer    trace.Tracer
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithRoleGrants lets the token's roles satisfy requirements through a
// role to permission policy.
func WithRoleGrants(grants RoleGrants) Option {
	return func(g *Guard) { g.grants = grants }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Guard) { g.tracer = t }
}

func New(verifier Verifier, extractor Extractor, opts ...Option) *Guard {
	g := &Guard{
		verifier:  verifier,
		extractor: extractor,
		now:       time.Now,
		logger:    logger.NewNop(),
		tracer:    otel.Tracer("permgate/guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize checks credential, the raw bearer token, against req.
func (g *Guard) Authorize(ctx context.Context, credential string, req Requirement) (Decision, error) {
	return g.observe(ctx, req, func(ctx context.Context) (Decision, error) {
		return g.authorize(ctx, credential, req)
	})
}

// AuthorizeHeader extracts the bearer token from an Authorization header
// value and authorizes it.
func (g *Guard) AuthorizeHeader(ctx context.Context, header string, req Requirement) (Decision, error) {
	return g.observe(ctx, req, func(ctx context.Context) (Decision, error) {
		raw, err := BearerToken(header)
		switch {
		case errors.Is(err, ErrNoCredential):
			return deny(ReasonMissingCredential, ""), nil
		case err != nil:
			// Present but unusable is a bad token, not a missing one
			return deny(ReasonInvalidToken, string(token.ReasonMalformed)), nil
		}
		return g.authorize(ctx, raw, req)
	})
}

func (g *Guard) observe(ctx context.Context, req Requirement, decide func(context.Context) (Decision, error)) (Decision, error) {
	ctx, span := g.tracer.Start(ctx, "authz.Authorize")
	defer span.End()

	decision, err := decide(ctx)
	if err != nil {
		metrics.AuthzSourceErrorsTotal.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "key source unavailable")
		g.logger.Error("Authorization aborted", "error", err, "required", req.String())
		return Decision{}, err
	}

	outcome, label := "allowed", "none"
	if !decision.Allowed() {
		outcome, label = "denied", string(decision.Reason())
		if decision.Reason() == ReasonInvalidToken && decision.Detail() != "" {
			label = decision.Detail()
		}
	}
	metrics.RecordDecision(outcome, label)
	span.SetAttributes(
		telemetry.DecisionAttribute(outcome),
		telemetry.ReasonAttribute(label),
		telemetry.PermissionsAttribute(req.permissions),
	)

	if decision.Allowed() {
		span.SetAttributes(telemetry.SubjectAttribute(decision.Claims().Subject()))
		g.logger.Debug("Access granted", "subject", decision.Claims().Subject(), "required", req.String())
	} else {
		fields := []interface{}{"reason", decision.Reason(), "detail", decision.Detail(), "required", req.String()}
		if decision.subject != "" {
			fields = append(fields, "subject", decision.subject)
		}
		g.logger.Info("Access denied", fields...)
	}
	return decision, nil
}

func (g *Guard) authorize(ctx context.Context, credential string, req Requirement) (Decision, error) {
	if credential == "" {
		return deny(ReasonMissingCredential, ""), nil
	}

	payload, err := g.verifier.Verify(ctx, credential, g.now())
	if err != nil {
		if errors.Is(err, keyset.ErrSourceUnavailable) {
			return Decision{}, err
		}
		return deny(ReasonInvalidToken, subreason(err)), nil
	}

	claims, err := g.extractor.Extract(payload)
	if err != nil {
		return deny(ReasonInvalidToken, subreason(err)), nil
	}

	if missing := g.missing(claims, req); len(missing) > 0 {
		d := deny(ReasonInsufficientPermission, "missing "+strings.Join(missing, ","))
		d.subject = claims.Subject()
		return d, nil
	}
	return allow(claims), nil
}

func (g *Guard) missing(claims *token.Claims, req Requirement) []string {
	var missing []string
	for _, perm := range req.permissions {
		if claims.HasPermission(perm) || g.grantedByRole(claims, perm) {
			continue
		}
		missing = append(missing, perm)
	}
	return missing
}

func (g *Guard) grantedByRole(claims *token.Claims, perm string) bool {
	if g.grants == nil {
		return false
	}
	roles := claims.Roles()
	if len(roles) == 0 {
		return false
	}
	ok, err := g.grants.Granted(roles, perm)
	if err != nil {
		g.logger.Error("Role grant check failed", "error", err, "permission", perm)
		return false
	}
	return ok
}

func subreason(err error) string {
	if reason, ok := token.ReasonOf(err); ok {
		return string(reason)
	}
	return string(token.ReasonInvalidClaims)
}
