// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package fxa

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// BrowserIDVerifier verifies legacy BrowserID assertions by POSTing them to
// the configured verifier service.
type BrowserIDVerifier struct {
	log    *zap.Logger
	config Config
	client *http.Client
}

// NewBrowserIDVerifier builds a verifier for the configured audience.
func NewBrowserIDVerifier(log *zap.Logger, config Config) *BrowserIDVerifier {
	return &BrowserIDVerifier{
		log:    log,
		config: config,
		client: &http.Client{Timeout: config.BrowserIDRequestTimeout},
	}
}

// Verify resolves a BrowserID assertion to the account identity.
func (v *BrowserIDVerifier) Verify(ctx context.Context, assertion string) (_ *Identity, err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := json.Marshal(map[string]string{
		"assertion": assertion,
		"audience":  v.config.BrowserIDAudience,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	req, err := http.NewRequest(http.MethodPost, v.config.BrowserIDVerifierURL, bytes.NewReader(body))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, Error.New("browserid verify request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidCredentials.New("browserid verify returned %d", resp.StatusCode)
	}

	var result struct {
		Status    string `json:"status"`
		Reason    string `json:"reason"`
		Email     string `json:"email"`
		IdpClaims struct {
			Generation    int64  `json:"fxa-generation"`
			KeysChangedAt *int64 `json:"fxa-keysChangedAt"`
		} `json:"idpClaims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, Error.New("malformed browserid verify response: %v", err)
	}

	if result.Status != "okay" {
		return nil, ErrInvalidCredentials.New("assertion rejected: %s", result.Reason)
	}
	uid := result.Email
	if i := strings.IndexByte(uid, '@'); i >= 0 {
		uid = uid[:i]
	}
	return &Identity{
		UID:           uid,
		Email:         result.Email,
		Generation:    result.IdpClaims.Generation,
		KeysChangedAt: result.IdpClaims.KeysChangedAt,
	}, nil
}
