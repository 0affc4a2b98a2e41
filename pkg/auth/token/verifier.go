// Package token verifies signed bearer tokens and turns verified payloads
// into Claims. Claims can only be obtained from a Payload, and a Payload can
// only be obtained from a successful Verify.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/permgate-go/pkg/auth/keyset"
)

// KeyResolver supplies verification keys by key id.
type KeyResolver interface {
	Resolve(ctx context.Context, keyID string) (keyset.SigningKey, error)
}

type Config struct {
	Issuer     string
	Audience   string
	Algorithms []string
	// Leeway tolerates clock skew on exp, iat and nbf.
	Leeway time.Duration
}

// Verifier checks, in order: structure, header algorithm, key lookup,
// signature, time validity, then audience and issuer.
type Verifier struct {
	resolver   KeyResolver
	issuer     string
	audience   string
	algorithms []string
	allowed    map[string]struct{}
	leeway     time.Duration
}

func NewVerifier(resolver KeyResolver, cfg Config) *Verifier {
	allowed := make(map[string]struct{}, len(cfg.Algorithms))
	for _, alg := range cfg.Algorithms {
		allowed[alg] = struct{}{}
	}
	return &Verifier{
		resolver:   resolver,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		algorithms: append([]string(nil), cfg.Algorithms...),
		allowed:    allowed,
		leeway:     cfg.Leeway,
	}
}

// Payload is the decoded claim set of a token that passed every check.
type Payload struct {
	claims jwt.MapClaims
}

// Get returns a raw claim value.
func (p *Payload) Get(name string) (interface{}, bool) {
	v, ok := p.claims[name]
	return v, ok
}

// Verify validates raw as of now. Failures are *Error values, except key
// source outages which are returned wrapping keyset.ErrSourceUnavailable.
func (v *Verifier) Verify(ctx context.Context, raw string, now time.Time) (*Payload, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenUnverifiable) {
			// Structure decoded but the alg header is absent or unknown
			return nil, newError(ReasonUnsupportedAlgorithm, err)
		}
		return nil, newError(ReasonMalformed, err)
	}

	alg, _ := unverified.Header["alg"].(string)
	if _, ok := v.allowed[alg]; !ok {
		return nil, newError(ReasonUnsupportedAlgorithm, fmt.Errorf("alg %q is not allowed", alg))
	}

	kid, _ := unverified.Header["kid"].(string)
	key, err := v.resolver.Resolve(ctx, kid)
	if err != nil {
		if errors.Is(err, keyset.ErrSourceUnavailable) {
			return nil, err
		}
		return nil, newError(ReasonKeyNotFound, err)
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, newError(ReasonUnsupportedAlgorithm,
			fmt.Errorf("alg %q does not match key %q algorithm %q", alg, key.ID, key.Algorithm))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return key.Key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, newError(ReasonBadSignature, errors.New("token not marked valid"))
	}

	return &Payload{claims: claims}, nil
}

// classify maps a parser failure onto a Reason. The parser verifies the
// signature before any claim, so claim reasons imply a valid signature.
func classify(err error) *Error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newError(ReasonMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return newError(ReasonBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newError(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return newError(ReasonNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return newError(ReasonInvalidClaims, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return newError(ReasonAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return newError(ReasonIssuerMismatch, err)
	default:
		return newError(ReasonInvalidClaims, err)
	}
}
