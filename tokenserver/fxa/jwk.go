// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package fxa

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
)

// jwk is the subset of RFC 7517 the FxA oauth server publishes for its
// RS256 signing keys.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// parseJWK decodes a JSON JWK into an RSA public key plus its key id.
func parseJWK(raw string) (kid string, _ *rsa.PublicKey, err error) {
	var key jwk
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return "", nil, Error.New("malformed jwk: %v", err)
	}
	if key.Kty != "RSA" {
		return "", nil, Error.New("unsupported jwk type %q", key.Kty)
	}

	n, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return "", nil, Error.New("malformed jwk modulus: %v", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return "", nil, Error.New("malformed jwk exponent: %v", err)
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}
	return key.Kid, pub, nil
}
