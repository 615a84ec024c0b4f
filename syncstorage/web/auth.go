// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mozilla-services/syncstorage/syncstorage"
	"github.com/mozilla-services/syncstorage/tokenserver/tokenlib"
)

type contextKey int

const claimsKey contextKey = iota

// authenticate validates the bearer token minted by the tokenserver and
// pins the request to the uid it carries. The uid in the path must match
// the token; a token for one user never reads another's data.
func (server *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			mon.Event("auth_missing")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var claims tokenlib.Claims
		err := tokenlib.Parse(strings.TrimPrefix(auth, "Bearer "), server.config.MasterSecret, &claims)
		if err != nil {
			mon.Event("auth_invalid_token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if claims.Expires <= float64(time.Now().UnixNano())/float64(time.Second) {
			mon.Event("auth_expired_token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		uid, err := strconv.ParseInt(mux.Vars(r)["uid"], 10, 64)
		if err != nil || uid != claims.UID {
			mon.Event("auth_uid_mismatch")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, &claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// backoff stamps X-Weave-Backoff on every response while draining.
func (server *Server) backoff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.Draining() {
			w.Header().Set("X-Weave-Backoff", strconv.Itoa(server.config.BackoffSeconds))
		}
		next.ServeHTTP(w, r)
	})
}

// requestUser returns the authenticated user of the request.
func requestUser(r *http.Request) syncstorage.UserID {
	claims := r.Context().Value(claimsKey).(*tokenlib.Claims)
	return syncstorage.UserID(claims.UID)
}
