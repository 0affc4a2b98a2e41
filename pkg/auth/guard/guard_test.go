package guard

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/permgate-go/internal/authtest"
	"github.com/permgate-go/pkg/auth/keyset"
	"github.com/permgate-go/pkg/auth/token"
	"github.com/permgate-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockVerifier is a mock implementation of Verifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, raw string, now time.Time) (*token.Payload, error) {
	args := m.Called(ctx, raw, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*token.Payload), args.Error(1)
}

// recordingLogger keeps every entry so tests can inspect log fields.
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	msg    string
	fields map[string]interface{}
}

func (l *recordingLogger) record(msg string, kv ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	l.entries = append(l.entries, logEntry{msg: msg, fields: fields})
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].msg == msg {
			return l.entries[i], true
		}
	}
	return logEntry{}, false
}

func (l *recordingLogger) Debug(msg string, fields ...interface{}) { l.record(msg, fields...) }
func (l *recordingLogger) Info(msg string, fields ...interface{})  { l.record(msg, fields...) }
func (l *recordingLogger) Warn(msg string, fields ...interface{})  { l.record(msg, fields...) }
func (l *recordingLogger) Error(msg string, fields ...interface{}) { l.record(msg, fields...) }
func (l *recordingLogger) Fatal(msg string, fields ...interface{}) { l.record(msg, fields...) }
func (l *recordingLogger) With(fields ...interface{}) logger.Logger { return l }

type fixture struct {
	signer *authtest.Signer
	server *authtest.JWKSServer
	guard  *Guard
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		signer: authtest.NewRSASigner(t, "key-1"),
		now:    time.Now(),
	}
	f.server = authtest.NewJWKSServer(t, f.signer)

	resolver := keyset.NewResolver(keyset.NewHTTPSource(f.server.URL, nil))
	verifier := token.NewVerifier(resolver, token.Config{
		Issuer:     authtest.Issuer,
		Audience:   authtest.Audience,
		Algorithms: []string{"RS256"},
	})
	opts = append([]Option{WithClock(func() time.Time { return f.now }), WithLogger(logger.NewNop())}, opts...)
	f.guard = New(verifier, token.NewExtractor(token.ExtractOptions{RolesClaim: "roles"}), opts...)
	return f
}

func (f *fixture) token(t *testing.T, perms ...string) string {
	return f.signer.Sign(t, authtest.Claims("auth0|casting-assistant", f.now, perms...))
}

func TestAuthorize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("AllowedWithRequiredPermission", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, f.token(t, "get:movies"), Require("get:movies"))
		require.NoError(t, err)

		assert.True(t, decision.Allowed())
		assert.Empty(t, decision.Reason())
		require.NotNil(t, decision.Claims())
		assert.Equal(t, "auth0|casting-assistant", decision.Claims().Subject())
		assert.Equal(t, []string{"get:movies"}, decision.Claims().Permissions())
	})

	t.Run("InsufficientPermission", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, f.token(t, "get:movies"), Require("delete:movies"))
		require.NoError(t, err)

		assert.False(t, decision.Allowed())
		assert.Equal(t, ReasonInsufficientPermission, decision.Reason())
		assert.Nil(t, decision.Claims())
	})

	t.Run("AllPermissionsRequired", func(t *testing.T) {
		raw := f.token(t, "get:movies", "patch:movies")

		decision, err := f.guard.Authorize(ctx, raw, Require("get:movies", "patch:movies"))
		require.NoError(t, err)
		assert.True(t, decision.Allowed())

		decision, err = f.guard.Authorize(ctx, raw, Require("get:movies", "delete:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInsufficientPermission, decision.Reason())
		assert.Contains(t, decision.Detail(), "delete:movies")
	})

	t.Run("EmptyRequirementNeedsValidToken", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, f.token(t), Require())
		require.NoError(t, err)
		assert.True(t, decision.Allowed())

		decision, err = f.guard.Authorize(ctx, "garbage", Require())
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidToken, decision.Reason())
	})

	t.Run("DisallowedAlgorithm", func(t *testing.T) {
		raw := f.signer.SignWith(t, jwt.SigningMethodPS256, authtest.Claims("user", f.now, "get:movies"))

		decision, err := f.guard.Authorize(ctx, raw, Require("get:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidToken, decision.Reason())
		assert.Equal(t, string(token.ReasonUnsupportedAlgorithm), decision.Detail())
	})

	t.Run("ExpiredOneSecondAgo", func(t *testing.T) {
		claims := authtest.Claims("user", f.now, "get:movies")
		claims["exp"] = f.now.Add(-time.Second).Unix()

		decision, err := f.guard.Authorize(ctx, f.signer.Sign(t, claims), Require("get:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidToken, decision.Reason())
		assert.Equal(t, string(token.ReasonExpired), decision.Detail())
	})

	t.Run("UntrustedKey", func(t *testing.T) {
		stranger := authtest.NewRSASigner(t, "stranger")
		raw := stranger.Sign(t, authtest.Claims("user", f.now, "get:movies"))

		decision, err := f.guard.Authorize(ctx, raw, Require("get:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidToken, decision.Reason())
		assert.Equal(t, string(token.ReasonKeyNotFound), decision.Detail())
	})

	t.Run("MissingCredential", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, "", Require("get:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonMissingCredential, decision.Reason())
	})

	t.Run("InvalidClaimsCollapse", func(t *testing.T) {
		claims := authtest.Claims("user", f.now)
		claims["permissions"] = "get:movies"

		decision, err := f.guard.Authorize(ctx, f.signer.Sign(t, claims), Require("get:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidToken, decision.Reason())
		assert.Equal(t, string(token.ReasonInvalidClaims), decision.Detail())
	})

	t.Run("Idempotent", func(t *testing.T) {
		raw := f.token(t, "get:movies")
		first, err := f.guard.Authorize(ctx, raw, Require("get:movies"))
		require.NoError(t, err)
		second, err := f.guard.Authorize(ctx, raw, Require("get:movies"))
		require.NoError(t, err)

		assert.Equal(t, first.Allowed(), second.Allowed())
		assert.Equal(t, first.Reason(), second.Reason())
		assert.Equal(t, first.Claims().Subject(), second.Claims().Subject())
	})
}

func TestAuthorizeMissingCredentialSkipsVerifier(t *testing.T) {
	verifier := new(MockVerifier)
	g := New(verifier, token.NewExtractor(token.ExtractOptions{}))

	decision, err := g.Authorize(context.Background(), "", Require("get:movies"))
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingCredential, decision.Reason())

	decision, err = g.AuthorizeHeader(context.Background(), "", Require("get:movies"))
	require.NoError(t, err)
	assert.Equal(t, ReasonMissingCredential, decision.Reason())

	verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestAuthorizeSourceUnavailable(t *testing.T) {
	f := newFixture(t)
	f.server.FailWith(http.StatusBadGateway)

	decision, err := f.guard.Authorize(context.Background(), f.token(t, "get:movies"), Require("get:movies"))

	require.Error(t, err)
	assert.ErrorIs(t, err, keyset.ErrSourceUnavailable)
	assert.False(t, decision.Allowed())
	assert.Empty(t, decision.Reason())
}

func TestAuthorizeHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	raw := f.token(t, "get:actors")

	tests := []struct {
		name    string
		header  string
		allowed bool
		reason  Reason
	}{
		{name: "Bearer", header: "Bearer " + raw, allowed: true},
		{name: "LowercaseScheme", header: "bearer " + raw, allowed: true},
		{name: "Empty", header: "", reason: ReasonMissingCredential},
		{name: "BasicScheme", header: "Basic dXNlcjpwYXNz", reason: ReasonInvalidToken},
		{name: "SchemeOnly", header: "Bearer", reason: ReasonInvalidToken},
		{name: "ExtraParts", header: "Bearer " + raw + " extra", reason: ReasonInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := f.guard.AuthorizeHeader(ctx, tt.header, Require("get:actors"))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, decision.Allowed())
			assert.Equal(t, tt.reason, decision.Reason())
		})
	}
}

func TestDenialLogsSubject(t *testing.T) {
	log := &recordingLogger{}
	f := newFixture(t, WithLogger(log))
	ctx := context.Background()

	_, err := f.guard.Authorize(ctx, f.token(t, "get:movies"), Require("delete:movies"))
	require.NoError(t, err)

	entry, ok := log.find("Access denied")
	require.True(t, ok)
	assert.Equal(t, ReasonInsufficientPermission, entry.fields["reason"])
	assert.Equal(t, "auth0|casting-assistant", entry.fields["subject"])

	_, err = f.guard.Authorize(ctx, "garbage", Require("get:movies"))
	require.NoError(t, err)

	entry, ok = log.find("Access denied")
	require.True(t, ok)
	assert.Equal(t, ReasonInvalidToken, entry.fields["reason"])
	assert.NotContains(t, entry.fields, "subject")
}

func TestAuthorizeRoleGrants(t *testing.T) {
	policy := filepath.Join(t.TempDir(), "policy.csv")
	require.NoError(t, os.WriteFile(policy, []byte(
		"p, casting_director, post:actors\n"+
			"p, casting_director, get:*\n"+
			"g, executive_producer, casting_director\n"+
			"p, executive_producer, delete:movies\n"), 0o600))

	grants, err := NewCasbinRoleGrants(policy, logger.NewNop())
	require.NoError(t, err)

	f := newFixture(t, WithRoleGrants(grants))
	ctx := context.Background()

	withRoles := func(roles ...interface{}) string {
		claims := authtest.Claims("auth0|staff", f.now)
		claims["roles"] = roles
		return f.signer.Sign(t, claims)
	}

	t.Run("RoleGrantsPermission", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, withRoles("casting_director"), Require("post:actors"))
		require.NoError(t, err)
		assert.True(t, decision.Allowed())
		assert.Empty(t, decision.Claims().Permissions(), "role grants are not reported as token grants")
	})

	t.Run("WildcardGrant", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, withRoles("casting_director"), Require("get:movies", "get:actors"))
		require.NoError(t, err)
		assert.True(t, decision.Allowed())
	})

	t.Run("InheritedGrant", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, withRoles("executive_producer"), Require("post:actors", "delete:movies"))
		require.NoError(t, err)
		assert.True(t, decision.Allowed())
	})

	t.Run("UngrantedPermission", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, withRoles("casting_director"), Require("delete:movies"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInsufficientPermission, decision.Reason())
	})

	t.Run("NoRoles", func(t *testing.T) {
		decision, err := f.guard.Authorize(ctx, f.token(t), Require("post:actors"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInsufficientPermission, decision.Reason())
	})
}

func TestBearerToken(t *testing.T) {
	raw, err := BearerToken("Bearer abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", raw)

	raw, err = BearerToken("  BEARER   abc.def.ghi  ")
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", raw)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = BearerToken("Token abc")
	assert.ErrorIs(t, err, ErrMalformedHeader)

	_, err = BearerToken("Bearer ")
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestRequirement(t *testing.T) {
	perms := []string{"get:movies", "post:movies"}
	req := Require(perms...)
	perms[0] = "delete:movies"

	assert.Equal(t, []string{"get:movies", "post:movies"}, req.Permissions())
	assert.Equal(t, "get:movies,post:movies", req.String())
}
