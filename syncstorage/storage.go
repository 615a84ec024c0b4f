// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package syncstorage defines the data model of the Sync 1.5 storage
// service: BSOs, collections, batches, and the Driver capability set that
// every database backend implements.
package syncstorage

import (
	"context"
	"time"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
)

// BatchLifetime is how long an open batch stays appendable after creation.
const BatchLifetime = 2 * time.Hour

// NoExpiry marks a BSO that never expires.
const NoExpiry = int64(1<<63 - 1)

// UserID identifies a storage user, extracted from the bearer token.
type UserID uint64

// BSO is a Basic Storage Object: a client-opaque payload keyed by
// (user, collection, id).
type BSO struct {
	ID        string           `json:"id"`
	Modified  syncts.Timestamp `json:"modified"`
	Payload   string           `json:"payload"`
	SortIndex *int32           `json:"sortindex,omitempty"`
}

// Record is an incoming BSO write. Nil fields are left untouched on an
// existing BSO; TTL is a relative number of seconds resolved against the
// write timestamp.
type Record struct {
	ID        string  `json:"id"`
	Payload   *string `json:"payload,omitempty"`
	SortIndex *int32  `json:"sortindex,omitempty"`
	TTL       *int64  `json:"ttl,omitempty"`
}

// PostResults reports the outcome of a multi-record write.
type PostResults struct {
	Modified syncts.Timestamp  `json:"modified"`
	Success  []string          `json:"success"`
	Failed   map[string]string `json:"failed"`
}

// QuotaUsage is the cached per-collection byte and record count used by the
// quota enforcer.
type QuotaUsage struct {
	TotalBytes int64
	Count      int64
}

// BatchID identifies a batch; it is the creation timestamp in milliseconds
// and therefore monotone per (user, collection).
type BatchID int64

// Timestamp returns the creation time encoded in the batch id.
func (id BatchID) Timestamp() syncts.Timestamp { return syncts.Timestamp(id) }

// Batch is the accumulated contents of a multi-request upload.
type Batch struct {
	ID      BatchID
	Records []Record
}

// GetParams filters and paginates a collection read.
type GetParams struct {
	IDs      []string
	Older    *syncts.Timestamp
	Newer    *syncts.Timestamp
	Sort     Sorting
	Limit    int
	Offset   *Offset
	FullBSOs bool
}

// GetResults carries one page of a collection read. Offset is the opaque
// token for the next page, empty when the read is exhausted. IDs is
// populated instead of Items when the request asked for ids only.
type GetResults struct {
	Items  []BSO
	IDs    []string
	Offset string
}

// Driver is the per-backend capability set the request handlers call. A
// Driver is bound to one pooled database session; callers must Release it
// when the request finishes. All operations are safe to call only from a
// single goroutine.
//
// architecture: Database
type Driver interface {
	// LockForRead acquires a read lock on (user, collection) and
	// establishes the snapshot timestamp for the request.
	LockForRead(ctx context.Context, user UserID, collection string) error
	// LockForWrite acquires a write lock on (user, collection) and assigns
	// the transaction's commit timestamp.
	LockForWrite(ctx context.Context, user UserID, collection string) error
	// Commit ends the current transaction, making its writes durable.
	Commit(ctx context.Context) error
	// Rollback discards the current transaction. Idempotent.
	Rollback(ctx context.Context) error

	// Timestamp returns the timestamp assigned to this session's writes.
	Timestamp() syncts.Timestamp
	// SetTimestamp overrides the session timestamp. Tests only; used to
	// simulate clock skew for expiry checks.
	SetTimestamp(ts syncts.Timestamp)

	GetCollectionTimestamps(ctx context.Context, user UserID) (map[string]syncts.Timestamp, error)
	GetCollectionTimestamp(ctx context.Context, user UserID, collection string) (syncts.Timestamp, error)
	GetCollectionCounts(ctx context.Context, user UserID) (map[string]int64, error)
	GetCollectionUsage(ctx context.Context, user UserID) (map[string]int64, error)
	GetStorageTimestamp(ctx context.Context, user UserID) (syncts.Timestamp, error)
	GetStorageUsage(ctx context.Context, user UserID) (int64, error)
	GetQuotaUsage(ctx context.Context, user UserID, collection string) (QuotaUsage, error)

	DeleteStorage(ctx context.Context, user UserID) (syncts.Timestamp, error)
	DeleteCollection(ctx context.Context, user UserID, collection string, ids []string) (syncts.Timestamp, error)

	GetBSOs(ctx context.Context, user UserID, collection string, params GetParams) (*GetResults, error)
	GetBSOIDs(ctx context.Context, user UserID, collection string, params GetParams) (*GetResults, error)
	GetBSO(ctx context.Context, user UserID, collection string, id string) (*BSO, error)
	PutBSO(ctx context.Context, user UserID, collection string, record Record) (syncts.Timestamp, error)
	PostBSOs(ctx context.Context, user UserID, collection string, records []Record) (*PostResults, error)
	DeleteBSO(ctx context.Context, user UserID, collection string, id string) (syncts.Timestamp, error)

	CreateBatch(ctx context.Context, user UserID, collection string, records []Record) (BatchID, error)
	ValidateBatch(ctx context.Context, user UserID, collection string, id BatchID) (bool, error)
	AppendToBatch(ctx context.Context, user UserID, collection string, id BatchID, records []Record) error
	// GetBatch loads an open batch's staged records; nil when the batch
	// does not exist or has expired.
	GetBatch(ctx context.Context, user UserID, collection string, id BatchID) (*Batch, error)
	CommitBatch(ctx context.Context, user UserID, collection string, batch *Batch) (*PostResults, error)
	DeleteBatch(ctx context.Context, user UserID, collection string, id BatchID) error

	// Check is a lightweight liveness probe.
	Check(ctx context.Context) error

	// Release rolls back any open transaction and returns the session to
	// the pool.
	Release()
}

// DB hands out driver sessions and owns the underlying pool.
//
// architecture: Database
type DB interface {
	// Driver acquires a session from the pool, waiting up to the pool's
	// configured timeout.
	Driver(ctx context.Context) (Driver, error)
	// PurgeExpired reclaims expired BSOs and batches, returning how many
	// rows of each were removed.
	PurgeExpired(ctx context.Context) (bsos, batches int64, err error)
	// Check verifies the database is reachable.
	Check(ctx context.Context) error
	Close() error
}
