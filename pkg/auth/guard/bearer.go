package guard

import (
	"errors"
	"strings"
)

var (
	ErrNoCredential    = errors.New("no credential")
	ErrMalformedHeader = errors.New("authorization header must be Bearer <token>")
)

// BearerToken returns the token from an "Authorization: Bearer <token>"
// header value. The scheme is case-insensitive.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrNoCredential
	}

	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", ErrMalformedHeader
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, " \t") {
		return "", ErrMalformedHeader
	}
	return raw, nil
}
