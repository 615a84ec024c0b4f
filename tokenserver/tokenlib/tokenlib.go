// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package tokenlib mints and validates the MAC-style bearer tokens the
// storage service accepts. The format is wire-compatible with the classic
// tokenlib: the token is the urlsafe base64 of the JSON claim set followed
// by an HMAC-SHA256 signature, and the per-token secret is derived from the
// token text itself. The HKDF info strings are part of the protocol and
// must never change.
package tokenlib

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"

	"github.com/zeebo/errs"
	"golang.org/x/crypto/hkdf"
)

const (
	signingInfo      = "services.mozilla.com/tokenlib/v1/signing"
	deriveInfoPrefix = "services.mozilla.com/tokenlib/v1/derive/"

	sigSize    = sha256.Size
	secretSize = 32
)

// Error is the default tokenlib errs class.
var Error = errs.Class("tokenlib")

// ErrInvalidToken means the token failed to decode or its signature did not
// verify.
var ErrInvalidToken = errs.Class("invalid token")

var encoding = base64.URLEncoding.WithPadding(base64.NoPadding)

// Make serializes claims to JSON and mints a signed token plus the derived
// secret the client must use to authenticate storage requests.
func Make(claims interface{}, secret string) (token, derivedSecret string, err error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", Error.Wrap(err)
	}

	sigKey, err := expand(secret, signingInfo)
	if err != nil {
		return "", "", err
	}
	mac := hmac.New(sha256.New, sigKey)
	_, _ = mac.Write(payload)
	token = encoding.EncodeToString(mac.Sum(payload))

	derivedSecret, err = DeriveSecret(token, secret)
	if err != nil {
		return "", "", err
	}
	return token, derivedSecret, nil
}

// Parse verifies a token's signature and unmarshals its claim set into out.
// Expiry is a claim-level concern left to the caller.
func Parse(token, secret string, out interface{}) error {
	raw, err := encoding.DecodeString(token)
	if err != nil {
		return ErrInvalidToken.New("undecodable")
	}
	if len(raw) <= sigSize {
		return ErrInvalidToken.New("truncated")
	}
	payload, sig := raw[:len(raw)-sigSize], raw[len(raw)-sigSize:]

	sigKey, err := expand(secret, signingInfo)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, sigKey)
	_, _ = mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrInvalidToken.New("bad signature")
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return ErrInvalidToken.New("malformed claims: %v", err)
	}
	return nil
}

// DeriveSecret computes the per-token secret. Both sides derive it
// independently; it never crosses the wire.
func DeriveSecret(token, secret string) (string, error) {
	key, err := expand(secret, deriveInfoPrefix+token)
	if err != nil {
		return "", err
	}
	return encoding.EncodeToString(key), nil
}

func expand(secret, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, secretSize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, Error.Wrap(err)
	}
	return key, nil
}
