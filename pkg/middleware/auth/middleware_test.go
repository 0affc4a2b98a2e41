package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/permgate-go/internal/authtest"
	"github.com/permgate-go/pkg/auth/guard"
	"github.com/permgate-go/pkg/auth/keyset"
	"github.com/permgate-go/pkg/auth/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, server *authtest.JWKSServer) *gin.Engine {
	t.Helper()
	resolver := keyset.NewResolver(keyset.NewHTTPSource(server.URL, nil))
	verifier := token.NewVerifier(resolver, token.Config{
		Issuer:     authtest.Issuer,
		Audience:   authtest.Audience,
		Algorithms: []string{"RS256"},
	})
	g := guard.New(verifier, token.NewExtractor(token.ExtractOptions{}))

	router := gin.New()
	router.GET("/movies", RequirePermissions(g, "get:movies"), func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{
			"subject":     claims.Subject(),
			"userId":      GetUserID(c),
			"permissions": GetPermissions(c),
		})
	})
	router.DELETE("/movies/:id", RequirePermissions(g, "delete:movies"), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

type errorBody struct {
	Success bool   `json:"success"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestRequirePermissions(t *testing.T) {
	signer := authtest.NewRSASigner(t, "key-1")
	server := authtest.NewJWKSServer(t, signer)
	router := setupRouter(t, server)
	now := time.Now()

	do := func(method, target, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("Allowed", func(t *testing.T) {
		raw := signer.Sign(t, authtest.Claims("auth0|assistant", now, "get:movies"))
		w := do(http.MethodGet, "/movies", "Bearer "+raw)

		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "auth0|assistant", body["subject"])
		assert.Equal(t, "auth0|assistant", body["userId"])
		assert.Equal(t, []interface{}{"get:movies"}, body["permissions"])
	})

	t.Run("Forbidden", func(t *testing.T) {
		raw := signer.Sign(t, authtest.Claims("auth0|assistant", now, "get:movies"))
		w := do(http.MethodDelete, "/movies/1", "Bearer "+raw)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get("WWW-Authenticate"))

		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.False(t, body.Success)
		assert.Equal(t, http.StatusForbidden, body.Code)
	})

	t.Run("MissingHeader", func(t *testing.T) {
		w := do(http.MethodGet, "/movies", "")

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, bearerChallenge, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("ExpiredTokenHidesSubreason", func(t *testing.T) {
		claims := authtest.Claims("auth0|assistant", now, "get:movies")
		claims["exp"] = now.Add(-time.Second).Unix()
		w := do(http.MethodGet, "/movies", "Bearer "+signer.Sign(t, claims))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, invalidTokenChallenge, w.Header().Get("WWW-Authenticate"))

		var body errorBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "invalid token", body.Message)
		assert.NotContains(t, w.Body.String(), "expired")
	})

	t.Run("WrongScheme", func(t *testing.T) {
		w := do(http.MethodGet, "/movies", "Basic dXNlcjpwYXNz")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, invalidTokenChallenge, w.Header().Get("WWW-Authenticate"))
	})
}

func TestRequirePermissionsSourceUnavailable(t *testing.T) {
	signer := authtest.NewRSASigner(t, "key-1")
	server := authtest.NewJWKSServer(t, signer)
	server.FailWith(http.StatusInternalServerError)
	router := setupRouter(t, server)

	req := httptest.NewRequest(http.MethodGet, "/movies", nil)
	req.Header.Set("Authorization", "Bearer "+signer.Sign(t, authtest.Claims("user", time.Now(), "get:movies")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestClaimsFromWithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	_, ok := ClaimsFrom(c)
	assert.False(t, ok)
	assert.Empty(t, GetUserID(c))
	assert.Empty(t, GetPermissions(c))
}
