// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokenlib_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage/tokenserver/tokenlib"
)

type claims struct {
	UID     int64  `json:"uid"`
	Node    string `json:"node"`
	Expires float64
}

func TestMakeParseRoundtrip(t *testing.T) {
	in := claims{UID: 42, Node: "https://node1.example.com", Expires: 1700000000.5}

	token, secret, err := tokenlib.Make(in, "master secret")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.NotEmpty(t, secret)

	// tokens and secrets travel in headers; they must be padding-free
	// urlsafe base64
	assert.NotContains(t, token, "=")
	assert.NotContains(t, token, "+")
	assert.NotContains(t, token, "/")
	assert.NotContains(t, secret, "=")

	var out claims
	require.NoError(t, tokenlib.Parse(token, "master secret", &out))
	assert.Equal(t, in, out)
}

func TestMakeDeterministic(t *testing.T) {
	in := claims{UID: 7, Node: "n"}

	token1, secret1, err := tokenlib.Make(in, "s")
	require.NoError(t, err)
	token2, secret2, err := tokenlib.Make(in, "s")
	require.NoError(t, err)

	assert.Equal(t, token1, token2)
	assert.Equal(t, secret1, secret2)
}

func TestParseRejectsTampering(t *testing.T) {
	token, _, err := tokenlib.Make(claims{UID: 1}, "secret")
	require.NoError(t, err)

	var out claims

	err = tokenlib.Parse(token, "wrong secret", &out)
	assert.True(t, tokenlib.ErrInvalidToken.Has(err))

	flipped := []byte(token)
	if flipped[0] == 'A' {
		flipped[0] = 'B'
	} else {
		flipped[0] = 'A'
	}
	err = tokenlib.Parse(string(flipped), "secret", &out)
	assert.True(t, tokenlib.ErrInvalidToken.Has(err))

	err = tokenlib.Parse("!!!not-base64!!!", "secret", &out)
	assert.True(t, tokenlib.ErrInvalidToken.Has(err))

	err = tokenlib.Parse("c2hvcnQ", "secret", &out)
	assert.True(t, tokenlib.ErrInvalidToken.Has(err))
}

func TestDeriveSecret(t *testing.T) {
	token, secret, err := tokenlib.Make(claims{UID: 9}, "master")
	require.NoError(t, err)

	// both sides derive the same secret from the token text
	again, err := tokenlib.DeriveSecret(token, "master")
	require.NoError(t, err)
	assert.Equal(t, secret, again)

	other, err := tokenlib.DeriveSecret(token, "different master")
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)

	otherToken, err := tokenlib.DeriveSecret(token+"x", "master")
	require.NoError(t, err)
	assert.NotEqual(t, secret, otherToken)
}
