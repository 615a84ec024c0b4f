// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

func (server *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, ok := server.collectionVar(w, r)
	if !ok {
		return
	}
	params, ok := parseGetParams(w, r)
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

	lastModified := server.collectionTimestamp(ctx, driver, user, collection)
	if !checkPreconditions(w, r, lastModified) {
		return
	}

	var results *syncstorage.GetResults
	if params.FullBSOs {
		results, err = driver.GetBSOs(ctx, user, collection, params)
	} else {
		results, err = driver.GetBSOIDs(ctx, user, collection, params)
	}
	if err != nil {
		server.storageError(w, err)
		return
	}

	records := len(results.IDs)
	if params.FullBSOs {
		records = len(results.Items)
	}
	w.Header().Set("X-Last-Modified", lastModified.AsSecondsString())
	w.Header().Set("X-Weave-Records", strconv.Itoa(records))
	if results.Offset != "" {
		w.Header().Set("X-Weave-Next-Offset", results.Offset)
	}
	if usage, err := driver.GetQuotaUsage(ctx, user, collection); err == nil {
		w.Header().Set("X-Weave-Total-Records", strconv.FormatInt(usage.Count, 10))
		w.Header().Set("X-Weave-Total-Bytes", strconv.FormatInt(usage.TotalBytes, 10))
	}
	w.Header().Set("X-Weave-Timestamp", driver.Timestamp().AsSecondsString())

	if params.FullBSOs {
		if results.Items == nil {
			results.Items = []syncstorage.BSO{}
		}
		writeItems(w, r, results.Items)
		return
	}
	if results.IDs == nil {
		results.IDs = []string{}
	}
	writeItems(w, r, results.IDs)
}

func (server *Server) handlePostCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, ok := server.collectionVar(w, r)
	if !ok {
		return
	}

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	if !checkPreconditions(w, r, server.collectionTimestamp(ctx, driver, user, collection)) {
		return
	}

	records, ok := server.readRecords(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	batchParam := query.Get("batch")
	commit := query.Get("commit") == "true"

	if batchParam == "" {
		results, err := driver.PostBSOs(ctx, user, collection, records)
		if err != nil {
			server.storageError(w, err)
			return
		}
		w.Header().Set("X-Last-Modified", results.Modified.AsSecondsString())
		respond(w, results.Modified, http.StatusOK, normalizeResults(results))
		return
	}

	var batchID syncstorage.BatchID
	if batchParam == "true" {
		batchID, err = driver.CreateBatch(ctx, user, collection, records)
	} else {
		batchID, err = decodeBatchID(batchParam)
		if err != nil {
			writeValidationError(w, "querystring", "batch", "malformed batch id")
			return
		}
		err = driver.AppendToBatch(ctx, user, collection, batchID, records)
	}
	if err != nil {
		server.storageError(w, err)
		return
	}

	if !commit {
		respond(w, driver.Timestamp(), http.StatusAccepted, map[string]interface{}{
			"batch":    encodeBatchID(batchID),
			"modified": batchID.Timestamp(),
			"success":  recordIDs(records),
			"failed":   map[string]string{},
		})
		return
	}

	batch, err := driver.GetBatch(ctx, user, collection, batchID)
	if err != nil {
		server.storageError(w, err)
		return
	}
	if batch == nil {
		server.storageError(w, syncstorage.ErrBatchNotFound.New("%d", batchID))
		return
	}
	results, err := driver.CommitBatch(ctx, user, collection, batch)
	if err != nil {
		server.storageError(w, err)
		return
	}
	w.Header().Set("X-Last-Modified", results.Modified.AsSecondsString())
	respond(w, results.Modified, http.StatusOK, normalizeResults(results))
}

func (server *Server) handleDeleteCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	collection, ok := server.collectionVar(w, r)
	if !ok {
		return
	}

	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.TrimSpace(id)
			if !syncstorage.ValidBSOID(id) {
				writeValidationError(w, "querystring", "ids", "invalid bso id")
				return
			}
			ids = append(ids, id)
		}
	}

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	if !checkPreconditions(w, r, server.collectionTimestamp(ctx, driver, user, collection)) {
		return
	}

	ts, err := driver.DeleteCollection(ctx, user, collection, ids)
	if err != nil {
		server.storageError(w, err)
		return
	}
	respond(w, ts, http.StatusOK, map[string]syncts.Timestamp{"modified": ts})
}

// collectionVar extracts and validates the collection path variable.
func (server *Server) collectionVar(w http.ResponseWriter, r *http.Request) (string, bool) {
	collection := mux.Vars(r)["collection"]
	if !syncstorage.ValidCollectionName(collection) {
		writeValidationError(w, "path", "collection", "invalid collection name")
		return "", false
	}
	return collection, true
}

// collectionTimestamp reads the collection's last modified time, treating
// an absent collection as the zero timestamp so preconditions still apply.
func (server *Server) collectionTimestamp(ctx context.Context, driver syncstorage.Driver, user syncstorage.UserID, collection string) syncts.Timestamp {
	ts, err := driver.GetCollectionTimestamp(ctx, user, collection)
	if err != nil {
		return 0
	}
	return ts
}

// recordIDs lists the ids of an accepted upload for the 202 body.
func recordIDs(records []syncstorage.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}

// normalizeResults replaces nil slices and maps so the wire always shows
// arrays and objects.
func normalizeResults(results *syncstorage.PostResults) *syncstorage.PostResults {
	if results.Success == nil {
		results.Success = []string{}
	}
	if results.Failed == nil {
		results.Failed = map[string]string{}
	}
	return results
}
