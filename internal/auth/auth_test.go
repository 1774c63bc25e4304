package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/model"
)

func TestHashAndVerifyAccessKey(t *testing.T) {
	hash, err := auth.HashAccessKey("test-key-123")
	require.NoError(t, err)
	assert.True(t, auth.IsHashedKey(hash))

	valid, err := auth.VerifyAccessKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAccessKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAccessKey("x", "plaintext")
	assert.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	id := auth.Identity{Kind: model.KindRunner, Name: "runner-1", HostName: "alpha"}
	token, expiresAt, err := mgr.IssueToken(id)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, id, claims.Identity())
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func validClaims(issuer, subject string, kind model.ClientKind) *auth.Claims {
	now := time.Now().UTC()
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{"naisys-hub"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		Kind:     kind,
		HostName: subject,
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	_, err := mgr.ValidateToken(forgeToken(t, privKey, validClaims("someone-else", "alpha", model.KindHost)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_BadKind(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	_, err := mgr.ValidateToken(forgeToken(t, privKey, validClaims("naisys-hub", "alpha", "admin")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid kind")
}

func TestValidateToken_MalformedSubject(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	_, err := mgr.ValidateToken(forgeToken(t, privKey, validClaims("naisys-hub", "bad@name", model.KindHost)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid subject")
}

func TestValidateToken_OtherKeyRejected(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	_, otherKey := newTestJWTManagerWithKey(t)

	_, err := mgr.ValidateToken(forgeToken(t, otherKey, validClaims("naisys-hub", "alpha", model.KindHost)))
	assert.Error(t, err)
}

func TestAuthenticateAccessKey(t *testing.T) {
	a := auth.NewAuthenticator("s3cret", nil)

	r := httptest.NewRequest("GET", "/ws", nil)
	auth.SetHeaders(r.Header, "s3cret", auth.Identity{Kind: model.KindRunner, Name: "runner-1", HostName: "alpha"})
	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{Kind: model.KindRunner, Name: "runner-1", HostName: "alpha"}, id)

	r.Header.Set(auth.HeaderAccessKey, "wrong")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	r.Header.Del(auth.HeaderAccessKey)
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestAuthenticateHashedAccessKey(t *testing.T) {
	hash, err := auth.HashAccessKey("s3cret")
	require.NoError(t, err)
	a := auth.NewAuthenticator(hash, nil)

	assert.True(t, a.CheckAccessKey("s3cret"))
	assert.False(t, a.CheckAccessKey(hash), "the hash itself is not a credential")
}

func TestAuthenticateHostIgnoresHostHeader(t *testing.T) {
	a := auth.NewAuthenticator("k", nil)
	r := httptest.NewRequest("GET", "/ws", nil)
	auth.SetHeaders(r.Header, "k", auth.Identity{Kind: model.KindHost, Name: "alpha", HostName: "beta"})

	id, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "alpha", id.HostName)
}

func TestAuthenticateRejectsBadIdentity(t *testing.T) {
	a := auth.NewAuthenticator("k", nil)

	cases := []auth.Identity{
		{Kind: "browser", Name: "x"},
		{Kind: model.KindHost, Name: ""},
		{Kind: model.KindHost, Name: "has space"},
		{Kind: model.KindRunner, Name: "runner-1"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		auth.SetHeaders(r.Header, "k", tc)
		_, err := a.Authenticate(r)
		assert.Error(t, err, "%+v", tc)
	}
}

func TestAuthenticateSessionToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	a := auth.NewAuthenticator("k", mgr)

	id := auth.Identity{Kind: model.KindHost, Name: "alpha", HostName: "alpha"}
	tok, err := a.IssueToken(id)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	got, err := a.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	r.Header.Set("Authorization", "Bearer garbage")
	_, err = a.Authenticate(r)
	assert.ErrorIs(t, err, auth.ErrUnauthorized)
}
