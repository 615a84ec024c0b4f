// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package fxa

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"
)

// OAuthVerifier verifies FxA OAuth bearer tokens. Tokens signed by a
// configured JWK verify locally; a token with an unknown key id is POSTed
// to the account server's verify endpoint instead, which may have rotated
// keys.
type OAuthVerifier struct {
	log    *zap.Logger
	config Config
	client *http.Client
	keys   map[string]*rsa.PublicKey
}

// NewOAuthVerifier builds a verifier from the configured primary and
// secondary JWKs.
func NewOAuthVerifier(log *zap.Logger, config Config) (*OAuthVerifier, error) {
	keys := make(map[string]*rsa.PublicKey)
	for _, raw := range []string{config.OAuthPrimaryJWK, config.OAuthSecondaryJWK} {
		if raw == "" {
			continue
		}
		kid, key, err := parseJWK(raw)
		if err != nil {
			return nil, err
		}
		keys[kid] = key
	}
	return &OAuthVerifier{
		log:    log,
		config: config,
		client: &http.Client{Timeout: config.OAuthRequestTimeout},
		keys:   keys,
	}, nil
}

// oauthClaims is the claim set of an FxA sync access token.
type oauthClaims struct {
	jwt.StandardClaims
	Scope      string `json:"scope"`
	Generation int64  `json:"fxa-generation"`
}

// Verify resolves an OAuth bearer token to the account identity.
func (v *OAuthVerifier) Verify(ctx context.Context, token string) (_ *Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	var identity *Identity
	if key, ok := v.keys[peekKid(token)]; ok {
		identity, err = v.verifyLocally(token, key)
	} else {
		mon.Event("oauth_remote_verify")
		identity, err = v.verifyRemotely(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if identity.UID == "" {
		return nil, ErrInvalidCredentials.New("token carries no subject")
	}
	identity.Email = fmt.Sprintf("%s@%s", identity.UID, v.config.EmailDomain)
	return identity, nil
}

// peekKid extracts the key id from the JWT header without verifying.
func peekKid(token string) string {
	var header struct {
		Kid string `json:"kid"`
	}
	parts := strings.SplitN(token, ".", 2)
	raw, err := jwt.DecodeSegment(parts[0])
	if err != nil {
		return ""
	}
	_ = json.Unmarshal(raw, &header)
	return header.Kid
}

func (v *OAuthVerifier) verifyLocally(token string, key *rsa.PublicKey) (*Identity, error) {
	claims := &oauthClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidCredentials.New("token did not verify: %v", err)
	}

	if !hasScope(claims.Scope, SyncScope) {
		return nil, ErrInvalidCredentials.New("token lacks the sync scope")
	}
	return &Identity{UID: claims.Subject, Generation: claims.Generation}, nil
}

// verifyRemotely POSTs the token to {oauth_server_url}/v1/verify.
func (v *OAuthVerifier) verifyRemotely(ctx context.Context, token string) (*Identity, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequest(http.MethodPost, v.config.OAuthServerURL+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, Error.New("oauth verify request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidCredentials.New("oauth verify returned %d", resp.StatusCode)
	}

	var result struct {
		User       string   `json:"user"`
		Scope      []string `json:"scope"`
		Generation int64    `json:"generation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Error.New("malformed oauth verify response: %v", err)
	}

	if !hasScope(strings.Join(result.Scope, " "), SyncScope) {
		return nil, ErrInvalidCredentials.New("token lacks the sync scope")
	}
	return &Identity{UID: result.User, Generation: result.Generation}, nil
}

// hasScope checks a space-separated scope claim for one scope value.
func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}
