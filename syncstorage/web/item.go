// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

func (server *Server) handleGetBSO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, id, ok := server.itemVars(w, r)
	if !ok {
		return
	}

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	if err := driver.LockForRead(ctx, user, collection); err != nil {
		server.storageError(w, err)
		return
	}

	bso, err := driver.GetBSO(ctx, user, collection, id)
	if err != nil {
		server.storageError(w, err)
		return
	}
	if !checkPreconditions(w, r, bso.Modified) {
		return
	}

	w.Header().Set("X-Last-Modified", bso.Modified.AsSecondsString())
	respond(w, driver.Timestamp(), http.StatusOK, bso)
}

func (server *Server) handlePutBSO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, id, ok := server.itemVars(w, r)
	if !ok {
		return
	}
	record, ok := server.readRecord(w, r, id)
	if !ok {
		return
	}
	if record.Payload != nil && len(*record.Payload) > server.limits.MaxRecordPayloadBytes {
		writeValidationError(w, "body", "payload", "payload too large")
		return
	}
	if record.TTL != nil && *record.TTL < 0 {
		writeValidationError(w, "body", "ttl", "invalid ttl")
		return
	}

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	if !checkPreconditions(w, r, server.itemTimestamp(ctx, driver, user, collection, id)) {
		return
	}

	ts, err := driver.PutBSO(ctx, user, collection, record)
	if err != nil {
		server.storageError(w, err)
		return
	}
	w.Header().Set("X-Last-Modified", ts.AsSecondsString())
	respond(w, ts, http.StatusOK, ts)
}

func (server *Server) handleDeleteBSO(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, id, ok := server.itemVars(w, r)
	if !ok {
		return
	}

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	if !checkPreconditions(w, r, server.itemTimestamp(ctx, driver, user, collection, id)) {
		return
	}

	ts, err := driver.DeleteBSO(ctx, user, collection, id)
	if err != nil {
		server.storageError(w, err)
		return
	}
	respond(w, ts, http.StatusOK, map[string]syncts.Timestamp{"modified": ts})
}

// itemTimestamp reads the target BSO's own modified time for preconditions.
// An absent item falls back to the collection timestamp, zero when the
// collection is new.
func (server *Server) itemTimestamp(ctx context.Context, driver syncstorage.Driver, user syncstorage.UserID, collection, id string) syncts.Timestamp {
	bso, err := driver.GetBSO(ctx, user, collection, id)
	if err != nil {
		return server.collectionTimestamp(ctx, driver, user, collection)
	}
	return bso.Modified
}

// itemVars extracts and validates the collection and bso path variables.
func (server *Server) itemVars(w http.ResponseWriter, r *http.Request) (collection, id string, ok bool) {
	vars := mux.Vars(r)
	collection, id = vars["collection"], vars["bso"]
	if !syncstorage.ValidCollectionName(collection) {
		writeValidationError(w, "path", "collection", "invalid collection name")
		return "", "", false
	}
	if !syncstorage.ValidBSOID(id) {
		writeValidationError(w, "path", "bso", "invalid bso id")
		return "", "", false
	}
	return collection, id, true
}
