// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package syncstorage

import (
	"net/http"

	"github.com/zeebo/errs"
)

// Error classes for everything the storage driver can fail with. Handlers
// map these to HTTP at the boundary; nothing below the handlers knows about
// status codes.
var (
	// ErrCollectionNotFound is returned when a collection has no live BSOs.
	ErrCollectionNotFound = errs.Class("collection not found")
	// ErrBsoNotFound is returned when a BSO is absent or expired.
	ErrBsoNotFound = errs.Class("bso not found")
	// ErrBatchNotFound is returned when a batch is absent or expired.
	ErrBatchNotFound = errs.Class("batch not found")
	// ErrConflict is returned when a write lost a race against a concurrent
	// write to the same collection.
	ErrConflict = errs.Class("storage conflict")
	// ErrQuota is returned when a write would push the user over quota.
	ErrQuota = errs.Class("quota exceeded")
	// ErrPoolTimeout is returned when no session became available within the
	// pool's wait timeout.
	ErrPoolTimeout = errs.Class("pool timeout")
	// ErrBackend wraps unexpected database failures.
	ErrBackend = errs.Class("storage backend")
	// ErrInvalidOffset is returned for malformed pagination tokens.
	ErrInvalidOffset = errs.Class("invalid offset")
)

// HTTPStatus maps a driver error onto the status code the Sync protocol
// requires. BatchNotFound is 400 and Conflict is 503, both for compatibility
// with legacy clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case ErrCollectionNotFound.Has(err), ErrBsoNotFound.Has(err):
		return http.StatusNotFound
	case ErrBatchNotFound.Has(err), ErrInvalidOffset.Has(err):
		return http.StatusBadRequest
	case ErrConflict.Has(err):
		return http.StatusServiceUnavailable
	case ErrQuota.Has(err):
		return http.StatusForbidden
	case ErrPoolTimeout.Has(err), ErrBackend.Has(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// MetricLabel returns the stable label used when counting an error kind.
func MetricLabel(err error) string {
	switch {
	case ErrCollectionNotFound.Has(err):
		return "storage.collection_not_found"
	case ErrBsoNotFound.Has(err):
		return "storage.bso_not_found"
	case ErrBatchNotFound.Has(err):
		return "storage.batch_not_found"
	case ErrConflict.Has(err):
		return "storage.conflict"
	case ErrQuota.Has(err):
		return "storage.quota"
	case ErrPoolTimeout.Has(err):
		return "storage.pool.timeout"
	case ErrInvalidOffset.Has(err):
		return "storage.invalid_offset"
	default:
		return "storage.error"
	}
}

// ReportableToSentry reports whether an error kind should reach the crash
// tracker. Conflicts and pool timeouts are routine under load and excluded
// to avoid noise.
func ReportableToSentry(err error) bool {
	switch {
	case err == nil:
		return false
	case ErrConflict.Has(err), ErrPoolTimeout.Has(err):
		return false
	case ErrCollectionNotFound.Has(err), ErrBsoNotFound.Has(err),
		ErrBatchNotFound.Has(err), ErrQuota.Has(err), ErrInvalidOffset.Has(err):
		return false
	default:
		return true
	}
}

// Retriable reports whether the client may usefully retry after this error.
func Retriable(err error) bool {
	return ErrConflict.Has(err) || ErrPoolTimeout.Has(err) || ErrBackend.Has(err)
}
