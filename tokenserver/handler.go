// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokenserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mozilla-services/syncstorage/tokenserver/fxa"
	"github.com/mozilla-services/syncstorage/tokenserver/tokendb"
	"github.com/mozilla-services/syncstorage/tokenserver/tokenlib"
)

// Router builds the HTTP surface.
func (server *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/1.0/sync/1.5", server.handleToken).Methods(http.MethodGet)
	router.HandleFunc("/__heartbeat__", server.handleHeartbeat).Methods(http.MethodGet)
	router.HandleFunc("/__lbheartbeat__", server.handleLBHeartbeat).Methods(http.MethodGet)
	router.HandleFunc("/__version__", server.handleVersion).Methods(http.MethodGet)
	return router
}

// tokenResponse is the success body of GET /1.0/sync/1.5.
type tokenResponse struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	UID          int64  `json:"uid"`
	APIEndpoint  string `json:"api_endpoint"`
	Duration     int64  `json:"duration"`
	HashedFxAUID string `json:"hashed_fxa_uid"`
}

func (server *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	identity, err := server.verifyCredentials(r)
	if err != nil {
		writeTokenError(w, "invalid-credentials", "Unauthorized")
		return
	}

	keysChangedAt, clientStateB64, err := parseKeyID(r.Header.Get("X-KeyID"))
	if err != nil {
		writeTokenError(w, "invalid-key-id", err.Error())
		return
	}
	if identity.KeysChangedAt != nil && *identity.KeysChangedAt != keysChangedAt {
		writeTokenError(w, "invalid-key-id", "X-KeyID does not match the credential")
		return
	}

	clientStateBytes, err := base64.RawURLEncoding.DecodeString(clientStateB64)
	if err != nil || len(clientStateBytes) == 0 || len(clientStateBytes) > 32 {
		writeTokenError(w, "invalid-client-state", "malformed client state")
		return
	}
	clientState := hex.EncodeToString(clientStateBytes)

	serviceID, err := server.service(ctx)
	if err != nil {
		server.log.Error("service lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	user, err := server.db.GetOrCreateUser(ctx, serviceID, identity.Email,
		identity.Generation, &keysChangedAt, clientState)
	switch {
	case err == nil:
	case tokendb.ErrInvalidGeneration.Has(err):
		writeTokenError(w, "invalid-generation", "Unauthorized")
		return
	case tokendb.ErrInvalidKeysChangedAt.Has(err):
		writeTokenError(w, "invalid-keysChangedAt", "Unauthorized")
		return
	case tokendb.ErrInvalidClientState.Has(err):
		writeTokenError(w, "invalid-client-state", "Unauthorized")
		return
	case tokendb.ErrNoAvailableNodes.Has(err):
		http.Error(w, "no available nodes", http.StatusServiceUnavailable)
		return
	default:
		server.log.Error("user lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	expires := time.Now().Add(server.config.TokenDuration)
	hashedUID := server.metricsHash(identity.UID)
	claims := tokenlib.Claims{
		UID:               user.UID,
		Node:              user.Node,
		Expires:           float64(expires.UnixNano()) / float64(time.Second),
		FxAUID:            identity.UID,
		FxAKid:            strconv.FormatInt(keysChangedAt, 10) + "-" + clientStateB64,
		HashedFxAUID:      hashedUID,
		HashedDeviceID:    server.metricsHash(identity.UID + "-device"),
		TokenserverOrigin: server.config.TokenserverOrigin,
	}

	token, derived, err := tokenlib.Make(claims, server.config.MasterSecret)
	if err != nil {
		server.log.Error("token minting failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pattern, err := server.db.GetServicePattern(ctx, serviceID)
	if err != nil {
		server.log.Error("service pattern lookup failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	endpoint := strings.NewReplacer(
		"{node}", user.Node,
		"{uid}", strconv.FormatInt(user.UID, 10),
	).Replace(pattern)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		ID:           token,
		Key:          derived,
		UID:          user.UID,
		APIEndpoint:  endpoint,
		Duration:     int64(server.config.TokenDuration / time.Second),
		HashedFxAUID: hashedUID,
	})
}

// verifyCredentials dispatches on the Authorization scheme.
func (server *Server) verifyCredentials(r *http.Request) (*fxa.Identity, error) {
	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		return server.oauth.Verify(r.Context(), strings.TrimPrefix(auth, "Bearer "))
	case strings.HasPrefix(auth, "BrowserID "):
		return server.browserid.Verify(r.Context(), strings.TrimPrefix(auth, "BrowserID "))
	}
	return nil, fxa.ErrInvalidCredentials.New("unsupported authorization scheme")
}

// parseKeyID splits "X-KeyID: <keys_changed_at>-<client_state_b64>".
func parseKeyID(header string) (keysChangedAt int64, clientStateB64 string, err error) {
	idx := strings.IndexByte(header, '-')
	if idx <= 0 {
		return 0, "", Error.New("malformed X-KeyID")
	}
	keysChangedAt, err = strconv.ParseInt(header[:idx], 10, 64)
	if err != nil || keysChangedAt < 0 {
		return 0, "", Error.New("malformed X-KeyID timestamp")
	}
	return keysChangedAt, header[idx+1:], nil
}

// metricsHash produces the stable truncated digest used to correlate logs
// without exposing account ids.
func (server *Server) metricsHash(value string) string {
	mac := hmac.New(sha256.New, []byte(server.config.FxAMetricsHashSecret))
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:32]
}

// tokenError is the tokenserver error envelope; the status field carries
// the machine-readable code legacy clients dispatch on.
type tokenError struct {
	Status string             `json:"status"`
	Errors []tokenErrorDetail `json:"errors"`
}

type tokenErrorDetail struct {
	Location    string `json:"location"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func writeTokenError(w http.ResponseWriter, status, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(tokenError{
		Status: status,
		Errors: []tokenErrorDetail{{
			Location:    "body",
			Name:        "",
			Description: description,
		}},
	})
}

func (server *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := server.db.Check(r.Context()); err != nil {
		server.log.Error("heartbeat failed", zap.Error(err))
		http.Error(w, "database unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (server *Server) handleLBHeartbeat(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (server *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"source":  "https://github.com/mozilla-services/syncstorage",
		"version": version,
	})
}

// version is stamped at build time via -ldflags.
var version = "dev"
