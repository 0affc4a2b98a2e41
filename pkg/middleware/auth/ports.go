package auth

import (
	"context"

	"github.com/permgate-go/pkg/auth/guard"
)

// Authorizer is the decision surface the middleware needs from the guard.
type Authorizer interface {
	AuthorizeHeader(ctx context.Context, header string, req guard.Requirement) (guard.Decision, error)
}
