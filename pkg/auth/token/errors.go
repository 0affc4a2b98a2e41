package token

import (
	"errors"
	"fmt"
)

// Reason identifies why a token failed verification or extraction. Reasons
// are diagnostics: they are logged and counted, never returned to clients.
type Reason string

const (
	ReasonMalformed            Reason = "malformed"
	ReasonUnsupportedAlgorithm Reason = "unsupported_algorithm"
	ReasonKeyNotFound          Reason = "key_not_found"
	ReasonBadSignature         Reason = "bad_signature"
	ReasonExpired              Reason = "expired"
	ReasonNotYetValid          Reason = "not_yet_valid"
	ReasonAudienceMismatch     Reason = "audience_mismatch"
	ReasonIssuerMismatch       Reason = "issuer_mismatch"
	ReasonInvalidClaims        Reason = "invalid_claims"
)

var (
	ErrMalformed            = errors.New("token is malformed")
	ErrUnsupportedAlgorithm = errors.New("token algorithm is not supported")
	ErrKeyNotFound          = errors.New("token signing key is not trusted")
	ErrBadSignature         = errors.New("token signature is invalid")
	ErrExpired              = errors.New("token is expired")
	ErrNotYetValid          = errors.New("token is not valid yet")
	ErrAudienceMismatch     = errors.New("token audience mismatch")
	ErrIssuerMismatch       = errors.New("token issuer mismatch")
	ErrInvalidClaims        = errors.New("token claims are invalid")
)

var sentinels = map[Reason]error{
	ReasonMalformed:            ErrMalformed,
	ReasonUnsupportedAlgorithm: ErrUnsupportedAlgorithm,
	ReasonKeyNotFound:          ErrKeyNotFound,
	ReasonBadSignature:         ErrBadSignature,
	ReasonExpired:              ErrExpired,
	ReasonNotYetValid:          ErrNotYetValid,
	ReasonAudienceMismatch:     ErrAudienceMismatch,
	ReasonIssuerMismatch:       ErrIssuerMismatch,
	ReasonInvalidClaims:        ErrInvalidClaims,
}

// Error is a verification failure with exactly one Reason. It matches the
// reason's sentinel with errors.Is and unwraps to the underlying cause.
type Error struct {
	Reason Reason
	Err    error
}

func newError(reason Reason, cause error) *Error {
	return &Error{Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return sentinels[e.Reason].Error()
	}
	return fmt.Sprintf("%s: %v", sentinels[e.Reason], e.Err)
}

func (e *Error) Unwrap() []error {
	errs := []error{sentinels[e.Reason]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ReasonOf returns the Reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var tokenErr *Error
	if errors.As(err, &tokenErr) {
		return tokenErr.Reason, true
	}
	return "", false
}
