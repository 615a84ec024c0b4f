// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokenserver_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/syncstorage/internal/testcontext"
	"github.com/mozilla-services/syncstorage/internal/testrand"
	"github.com/mozilla-services/syncstorage/tokenserver"
	"github.com/mozilla-services/syncstorage/tokenserver/fxa"
	"github.com/mozilla-services/syncstorage/tokenserver/tokendb"
	"github.com/mozilla-services/syncstorage/tokenserver/tokenlib"
)

type stubVerifier struct {
	identity *fxa.Identity
	err      error
}

func (s *stubVerifier) Verify(ctx context.Context, credential string) (*fxa.Identity, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.identity, nil
}

type tokenFixture struct {
	server *httptest.Server
	oauth  *stubVerifier
	db     *tokendb.DB
}

func newTokenFixture(t *testing.T, ctx *testcontext.Context) *tokenFixture {
	config := tokendb.Config{
		DatabaseURL:             fmt.Sprintf("sqlite3://file:tsrv_%s?mode=memory&cache=shared", testrand.Hex(6)),
		NodeCapacityReleaseRate: 0.1,
	}
	db, err := tokendb.Open(ctx, zaptest.NewLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	serviceID, err := db.AddService(ctx, tokenserver.ServiceName, "{node}/1.5/{uid}")
	require.NoError(t, err)
	_, err = db.AddNode(ctx, serviceID, "https://node1.example.com", 100, 100)
	require.NoError(t, err)

	oauth := &stubVerifier{}
	srv := tokenserver.New(zaptest.NewLogger(t), db, oauth, &stubVerifier{
		err: fxa.ErrInvalidCredentials.New("no browserid in these tests"),
	}, tokenserver.Config{
		MasterSecret:         "the master secret",
		TokenDuration:        time.Hour,
		FxAMetricsHashSecret: "metrics secret",
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &tokenFixture{server: ts, oauth: oauth, db: db}
}

func (f *tokenFixture) request(t *testing.T, auth, keyID string) *http.Response {
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/1.0/sync/1.5", nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if keyID != "" {
		req.Header.Set("X-KeyID", keyID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func clientStateB64(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func decodeTokenError(t *testing.T, resp *http.Response) string {
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Status
}

func TestTokenIssuance(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newTokenFixture(t, ctx)
	f.oauth.identity = &fxa.Identity{
		UID:        "deadbeef1234",
		Email:      "deadbeef1234@api.accounts.firefox.com",
		Generation: 10,
	}

	resp := f.request(t, "Bearer whatever", "100-"+clientStateB64("0123456789abcdef"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		ID           string `json:"id"`
		Key          string `json:"key"`
		UID          int64  `json:"uid"`
		APIEndpoint  string `json:"api_endpoint"`
		Duration     int64  `json:"duration"`
		HashedFxAUID string `json:"hashed_fxa_uid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, int64(3600), body.Duration)
	assert.Equal(t, fmt.Sprintf("https://node1.example.com/1.5/%d", body.UID), body.APIEndpoint)
	assert.Len(t, body.HashedFxAUID, 32)

	// the storage side can verify the token and re-derive the key
	var claims tokenlib.Claims
	require.NoError(t, tokenlib.Parse(body.ID, "the master secret", &claims))
	assert.Equal(t, body.UID, claims.UID)
	assert.Equal(t, "https://node1.example.com", claims.Node)
	assert.Equal(t, "deadbeef1234", claims.FxAUID)
	assert.Equal(t, "100-"+clientStateB64("0123456789abcdef"), claims.FxAKid)
	assert.Greater(t, claims.Expires, float64(time.Now().Unix()))

	derived, err := tokenlib.DeriveSecret(body.ID, "the master secret")
	require.NoError(t, err)
	assert.Equal(t, body.Key, derived)
}

func TestTokenGenerationRegression(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newTokenFixture(t, ctx)
	keyID := "100-" + clientStateB64("0123456789abcdef")

	f.oauth.identity = &fxa.Identity{
		UID: "deadbeef1234", Email: "deadbeef1234@api.accounts.firefox.com", Generation: 10,
	}
	resp := f.request(t, "Bearer t", keyID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// an older generation is refused and the stored one survives
	f.oauth.identity.Generation = 9
	resp = f.request(t, "Bearer t", keyID)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-generation", decodeTokenError(t, resp))

	f.oauth.identity.Generation = 10
	resp = f.request(t, "Bearer t", keyID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestTokenClientStateRotation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newTokenFixture(t, ctx)
	f.oauth.identity = &fxa.Identity{
		UID: "deadbeef1234", Email: "deadbeef1234@api.accounts.firefox.com", Generation: 10,
	}

	resp := f.request(t, "Bearer t", "100-"+clientStateB64("yyyyyyyyyyyyyyyy"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first struct {
		UID int64 `json:"uid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&first))
	_ = resp.Body.Close()

	// rotated key material moves the account to a fresh uid
	f.oauth.identity.Generation = 11
	resp = f.request(t, "Bearer t", "110-"+clientStateB64("xxxxxxxxxxxxxxxx"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		UID int64 `json:"uid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&second))
	_ = resp.Body.Close()
	assert.NotEqual(t, first.UID, second.UID)

	// the retired client state is refused
	f.oauth.identity.Generation = 12
	resp = f.request(t, "Bearer t", "120-"+clientStateB64("yyyyyyyyyyyyyyyy"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-client-state", decodeTokenError(t, resp))
}

func TestTokenBadRequests(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newTokenFixture(t, ctx)
	f.oauth.identity = &fxa.Identity{
		UID: "deadbeef1234", Email: "deadbeef1234@api.accounts.firefox.com",
	}

	// no authorization at all
	resp := f.request(t, "", "100-"+clientStateB64("0123456789abcdef"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-credentials", decodeTokenError(t, resp))

	// malformed X-KeyID
	resp = f.request(t, "Bearer t", "not-a-keyid")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-key-id", decodeTokenError(t, resp))

	resp = f.request(t, "Bearer t", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-key-id", decodeTokenError(t, resp))

	// keys_changed_at mismatching the credential
	kca := int64(200)
	f.oauth.identity.KeysChangedAt = &kca
	resp = f.request(t, "Bearer t", "100-"+clientStateB64("0123456789abcdef"))
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-key-id", decodeTokenError(t, resp))
}

func TestTokenHeartbeats(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newTokenFixture(t, ctx)

	resp, err := http.Get(f.server.URL + "/__heartbeat__")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/__lbheartbeat__")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = http.Get(f.server.URL + "/__version__")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}
