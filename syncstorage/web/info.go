// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package web

import (
	"net/http"
)

func (server *Server) handleInfoCollections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	lastModified, err := driver.GetStorageTimestamp(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}
	if !checkPreconditions(w, r, lastModified) {
		return
	}

	timestamps, err := driver.GetCollectionTimestamps(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}

	w.Header().Set("X-Last-Modified", lastModified.AsSecondsString())
	respond(w, driver.Timestamp(), http.StatusOK, timestamps)
}

func (server *Server) handleInfoQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	used, err := driver.GetStorageUsage(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}

	// [used_kb, limit_kb_or_null]
	quota := []interface{}{float64(used) / 1024, nil}
	if server.limits.MaxQuotaLimit > 0 {
		quota[1] = float64(server.limits.MaxQuotaLimit) / 1024
	}
	respond(w, driver.Timestamp(), http.StatusOK, quota)
}

func (server *Server) handleInfoCollectionUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	usage, err := driver.GetCollectionUsage(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}
	kb := make(map[string]float64, len(usage))
	for name, bytes := range usage {
		kb[name] = float64(bytes) / 1024
	}
	respond(w, driver.Timestamp(), http.StatusOK, kb)
}

func (server *Server) handleInfoCollectionCounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	counts, err := driver.GetCollectionCounts(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}
	respond(w, driver.Timestamp(), http.StatusOK, counts)
}

// handleInfoConfiguration serves the limits block so clients can size
// their uploads without probing for 413s.
func (server *Server) handleInfoConfiguration(w http.ResponseWriter, r *http.Request) {
	respond(w, 0, http.StatusOK, server.limits)
}

func (server *Server) handleDeleteStorage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)
	user := requestUser(r)

	driver, err := server.db.Driver(ctx)
	if err != nil {
		server.storageError(w, err)
		return
	}
	defer driver.Release()

	ts, err := driver.DeleteStorage(ctx, user)
	if err != nil {
		server.storageError(w, err)
		return
	}
	respond(w, ts, http.StatusOK, struct{}{})
}
