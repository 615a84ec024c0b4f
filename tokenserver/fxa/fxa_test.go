// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package fxa_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/syncstorage/internal/testcontext"
	"github.com/mozilla-services/syncstorage/tokenserver/fxa"
)

func testKeyPair(t *testing.T, kid string) (*rsa.PrivateKey, string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := json.Marshal(map[string]string{
		"kty": "RSA",
		"kid": kid,
		"alg": "RS256",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	})
	require.NoError(t, err)
	return key, string(jwk)
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestOAuthVerifyLocal(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key, jwk := testKeyPair(t, "key-1")
	verifier, err := fxa.NewOAuthVerifier(zaptest.NewLogger(t), fxa.Config{
		OAuthPrimaryJWK: jwk,
		EmailDomain:     "api.accounts.firefox.com",
	})
	require.NoError(t, err)

	token := signToken(t, key, "key-1", jwt.MapClaims{
		"sub":            "deadbeef1234",
		"scope":          "profile " + fxa.SyncScope,
		"fxa-generation": int64(42),
		"exp":            time.Now().Add(time.Hour).Unix(),
	})

	identity, err := verifier.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef1234", identity.UID)
	assert.Equal(t, "deadbeef1234@api.accounts.firefox.com", identity.Email)
	assert.Equal(t, int64(42), identity.Generation)
}

func TestOAuthVerifyRejections(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	key, jwk := testKeyPair(t, "key-1")
	otherKey, _ := testKeyPair(t, "key-1")

	verifier, err := fxa.NewOAuthVerifier(zaptest.NewLogger(t), fxa.Config{
		OAuthPrimaryJWK: jwk,
		EmailDomain:     "api.accounts.firefox.com",
	})
	require.NoError(t, err)

	// signed by somebody else under our kid
	forged := signToken(t, otherKey, "key-1", jwt.MapClaims{
		"sub":   "deadbeef1234",
		"scope": fxa.SyncScope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, forged)
	assert.True(t, fxa.ErrInvalidCredentials.Has(err))

	// valid signature, wrong scope
	unscoped := signToken(t, key, "key-1", jwt.MapClaims{
		"sub":   "deadbeef1234",
		"scope": "profile",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, unscoped)
	assert.True(t, fxa.ErrInvalidCredentials.Has(err))

	// expired
	expired := signToken(t, key, "key-1", jwt.MapClaims{
		"sub":   "deadbeef1234",
		"scope": fxa.SyncScope,
		"exp":   time.Now().Add(-time.Hour).Unix(),
	})
	_, err = verifier.Verify(ctx, expired)
	assert.True(t, fxa.ErrInvalidCredentials.Has(err))
}

func TestOAuthVerifyRemoteFallback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/verify", r.URL.Path)
		var body struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body.Token != "opaque-but-valid" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"user":       "cafebabe5678",
			"scope":      []string{fxa.SyncScope},
			"generation": 7,
		})
	}))
	defer server.Close()

	verifier, err := fxa.NewOAuthVerifier(zaptest.NewLogger(t), fxa.Config{
		OAuthServerURL:      server.URL,
		OAuthRequestTimeout: 5 * time.Second,
		EmailDomain:         "api.accounts.firefox.com",
	})
	require.NoError(t, err)

	identity, err := verifier.Verify(ctx, "opaque-but-valid")
	require.NoError(t, err)
	assert.Equal(t, "cafebabe5678", identity.UID)
	assert.Equal(t, int64(7), identity.Generation)

	_, err = verifier.Verify(ctx, "garbage")
	assert.True(t, fxa.ErrInvalidCredentials.Has(err))
}

func TestBrowserIDVerify(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	keysChangedAt := int64(1234)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Assertion string `json:"assertion"`
			Audience  string `json:"audience"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://token.services.mozilla.com", body.Audience)

		if body.Assertion != "good-assertion" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "failure",
				"reason": "assertion expired",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "okay",
			"email":  "deadbeef1234@api.accounts.firefox.com",
			"idpClaims": map[string]interface{}{
				"fxa-generation":    99,
				"fxa-keysChangedAt": keysChangedAt,
			},
		})
	}))
	defer server.Close()

	verifier := fxa.NewBrowserIDVerifier(zaptest.NewLogger(t), fxa.Config{
		BrowserIDVerifierURL:    server.URL,
		BrowserIDAudience:       "https://token.services.mozilla.com",
		BrowserIDRequestTimeout: 5 * time.Second,
	})

	identity, err := verifier.Verify(ctx, "good-assertion")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef1234", identity.UID)
	assert.Equal(t, "deadbeef1234@api.accounts.firefox.com", identity.Email)
	assert.Equal(t, int64(99), identity.Generation)
	require.NotNil(t, identity.KeysChangedAt)
	assert.Equal(t, keysChangedAt, *identity.KeysChangedAt)

	_, err = verifier.Verify(ctx, "bad-assertion")
	assert.True(t, fxa.ErrInvalidCredentials.Has(err))
}
