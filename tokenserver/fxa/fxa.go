// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package fxa verifies Firefox Accounts credentials: OAuth bearer tokens
// (JWT, verified locally against configured JWKs with a fallback to the
// account server) and legacy BrowserID assertions (verified remotely).
package fxa

import (
	"time"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the default fxa errs class.
	Error = errs.Class("fxa")

	// ErrInvalidCredentials means the token or assertion failed
	// verification.
	ErrInvalidCredentials = errs.Class("invalid credentials")
)

// SyncScope is the OAuth scope granting access to sync storage.
const SyncScope = "https://identity.mozilla.com/apps/oldsync"

// Config carries the verifier settings.
type Config struct {
	OAuthServerURL      string        `help:"fxa oauth server base url" default:"https://oauth.accounts.firefox.com"`
	OAuthPrimaryJWK     string        `help:"primary oauth verification key, json jwk" default:""`
	OAuthSecondaryJWK   string        `help:"secondary oauth verification key, json jwk" default:""`
	OAuthRequestTimeout time.Duration `help:"timeout for fallback verification calls" default:"10s"`

	BrowserIDVerifierURL    string        `help:"browserid verifier url" default:"https://verifier.accounts.firefox.com/v2"`
	BrowserIDAudience       string        `help:"audience expected in browserid assertions" default:"https://token.services.mozilla.com"`
	BrowserIDRequestTimeout time.Duration `help:"timeout for browserid verification calls" default:"10s"`

	EmailDomain string `help:"domain appended to fxa uids to form account emails" default:"api.accounts.firefox.com"`
}

// Identity is the verified account identity a credential resolves to.
type Identity struct {
	// UID is the stable account id (hex).
	UID string
	// Email is uid@email-domain, the tokenserver's account key.
	Email string
	// Generation is the account generation number; zero when the
	// credential does not carry one.
	Generation int64
	// KeysChangedAt is the key-rotation stamp from idpClaims, when present.
	KeysChangedAt *int64
}
