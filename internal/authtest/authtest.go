// Package authtest provides key pairs, key set documents and token minting
// for tests of the authorization packages.
package authtest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	Issuer   = "https://issuer.example.com/"
	Audience = "casting"
)

// Signer holds one private key and the metadata published for it.
type Signer struct {
	KeyID  string
	Method jwt.SigningMethod
	// PublishAlg controls whether the published JWK carries an "alg" member.
	PublishAlg bool
	key        crypto.Signer
}

func NewRSASigner(t testing.TB, kid string) *Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &Signer{KeyID: kid, Method: jwt.SigningMethodRS256, PublishAlg: true, key: key}
}

func NewECSigner(t testing.TB, kid string) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &Signer{KeyID: kid, Method: jwt.SigningMethodES256, PublishAlg: true, key: key}
}

// PublicJWK returns the public half of the signer as a JWK.
func (s *Signer) PublicJWK(t testing.TB) jwk.Key {
	t.Helper()
	key, err := jwk.FromRaw(s.key.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, s.KeyID))
	require.NoError(t, key.Set(jwk.KeyUsageKey, string(jwk.ForSignature)))
	if s.PublishAlg {
		require.NoError(t, key.Set(jwk.AlgorithmKey, jwa.KeyAlgorithmFrom(s.Method.Alg())))
	}
	return key
}

// Sign mints a token with the signer's method and kid header.
func (s *Signer) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return s.SignWith(t, s.Method, claims)
}

// SignWith mints a token using an explicit method, keeping the kid header.
func (s *Signer) SignWith(t testing.TB, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = s.KeyID
	signed, err := token.SignedString(s.key)
	require.NoError(t, err)
	return signed
}

// KeySet builds a key set publishing every signer.
func KeySet(t testing.TB, signers ...*Signer) jwk.Set {
	t.Helper()
	set := jwk.NewSet()
	for _, s := range signers {
		require.NoError(t, set.AddKey(s.PublicJWK(t)))
	}
	return set
}

// JWKS encodes KeySet as a JSON document.
func JWKS(t testing.TB, signers ...*Signer) []byte {
	t.Helper()
	doc, err := json.Marshal(KeySet(t, signers...))
	require.NoError(t, err)
	return doc
}

// Claims returns a payload that passes every check at now.
func Claims(subject string, now time.Time, permissions ...string) jwt.MapClaims {
	perms := make([]interface{}, len(permissions))
	for i, p := range permissions {
		perms[i] = p
	}
	return jwt.MapClaims{
		"iss":         Issuer,
		"aud":         Audience,
		"sub":         subject,
		"iat":         now.Add(-time.Minute).Unix(),
		"exp":         now.Add(time.Hour).Unix(),
		"permissions": perms,
	}
}

// JWKSServer publishes a key set over HTTP and counts fetches.
type JWKSServer struct {
	*httptest.Server

	mu      sync.Mutex
	doc     []byte
	status  int
	fetches atomic.Int64
}

func NewJWKSServer(t testing.TB, signers ...*Signer) *JWKSServer {
	t.Helper()
	s := &JWKSServer{doc: JWKS(t, signers...), status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		doc, status := s.doc, s.status
		s.mu.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(s.Close)
	return s
}

// Publish replaces the served key set.
func (s *JWKSServer) Publish(t testing.TB, signers ...*Signer) {
	t.Helper()
	s.PublishDocument(JWKS(t, signers...))
}

// PublishDocument replaces the served document verbatim.
func (s *JWKSServer) PublishDocument(doc []byte) {
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
}

// FailWith makes every subsequent fetch answer with status.
func (s *JWKSServer) FailWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *JWKSServer) Fetches() int64 {
	return s.fetches.Load()
}
