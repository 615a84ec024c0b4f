// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"context"
	"database/sql"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
	"github.com/mozilla-services/syncstorage/syncstorage/sessionpool"
)

// driver is a request-scoped session over one pooled connection. It is not
// safe for concurrent use; a request owns it exclusively until Release.
type driver struct {
	db      *DB
	session *sessionpool.Session
	conn    *sql.Conn
	tx      *sql.Tx

	// lockTS is the commit timestamp assigned by LockForWrite; tsOverride
	// is test-only clock skew.
	lockTS     syncts.Timestamp
	tsOverride syncts.Timestamp
	fatal      bool
}

var _ syncstorage.Driver = (*driver)(nil)

// Timestamp returns the timestamp this session assigns to writes.
func (d *driver) Timestamp() syncts.Timestamp {
	if d.tsOverride != 0 {
		return d.tsOverride
	}
	if d.lockTS != 0 {
		return d.lockTS
	}
	return syncts.Now()
}

// SetTimestamp overrides the session clock. Tests only.
func (d *driver) SetTimestamp(ts syncts.Timestamp) { d.tsOverride = ts }

// LockForRead opens a read transaction so every query of the request sees
// one snapshot, and takes a shared lock on the collection's bookkeeping
// row when the engine supports it.
func (d *driver) LockForRead(ctx context.Context, user syncstorage.UserID, collection string) (err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		// nothing to lock; reads will report the absence themselves
		return nil
	}
	if err != nil {
		return err
	}

	if d.tx == nil {
		d.tx, err = d.conn.BeginTx(ctx, nil)
		if err != nil {
			return d.translate(err)
		}
	}

	if clause := d.db.dialect.forShare(); clause != "" {
		var modified int64
		err = d.tx.QueryRowContext(ctx, d.db.dialect.rebind(
			`SELECT modified FROM user_collections WHERE user_id = ? AND collection_id = ?`)+clause,
			user, cid).Scan(&modified)
		if err != nil && err != sql.ErrNoRows {
			return d.translate(err)
		}
	}
	return nil
}

// LockForWrite begins the write transaction, serializes against concurrent
// writers of the same (user, collection), and fixes the commit timestamp.
// If the wall clock has not advanced past the collection's last_modified,
// the timestamp is bumped one resolution step so modified strictly
// increases.
func (d *driver) LockForWrite(ctx context.Context, user syncstorage.UserID, collection string) (err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.GetID(ctx, collection)
	if err != nil {
		return err
	}

	if d.tx == nil {
		d.tx, err = d.conn.BeginTx(ctx, nil)
		if err != nil {
			return d.translate(err)
		}
	}

	var modified sql.NullInt64
	err = d.tx.QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT modified FROM user_collections WHERE user_id = ? AND collection_id = ?`)+d.db.dialect.forUpdate(),
		user, cid).Scan(&modified)
	if err != nil && err != sql.ErrNoRows {
		return d.translate(err)
	}

	ts := d.Timestamp()
	if modified.Valid && modified.Int64 >= ts.AsMilliseconds() {
		ts = syncts.Timestamp(modified.Int64 + syncts.Resolution)
	}
	d.lockTS = ts
	return nil
}

// Commit makes the transaction's writes durable.
func (d *driver) Commit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	d.lockTS = 0
	return d.translate(tx.Commit())
}

// Rollback discards the transaction. Idempotent.
func (d *driver) Rollback(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if d.tx == nil {
		return nil
	}
	tx := d.tx
	d.tx = nil
	d.lockTS = 0
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return d.translate(err)
	}
	return nil
}

// Check runs the liveness probe on this session's connection.
func (d *driver) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	var one int
	return d.translate(d.querier().QueryRowContext(ctx, `SELECT 1`).Scan(&one))
}

// Release rolls back anything still open and returns the session to the
// pool; sessions that saw a fatal connection error are discarded instead.
// Safe to call more than once.
func (d *driver) Release() {
	if d.session == nil {
		return
	}
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
		d.lockTS = 0
	}
	if d.fatal {
		d.db.pool.Discard(d.session)
	} else {
		d.db.pool.Release(d.session)
	}
	d.session = nil
}

// querier routes statements through the open transaction when one exists.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (d *driver) querier() querier {
	if d.tx != nil {
		return d.tx
	}
	return d.conn
}

// translate maps engine errors into the driver's error kinds.
func (d *driver) translate(err error) error {
	if err == nil {
		return nil
	}
	if d.db.dialect.isConflict(err) {
		return syncstorage.ErrConflict.Wrap(err)
	}
	if err == sql.ErrConnDone || err == context.DeadlineExceeded {
		d.fatal = true
	}
	return syncstorage.ErrBackend.Wrap(err)
}

// withWriteLock runs fn inside a write transaction on (user, collection),
// beginning and committing one when the caller has not already locked.
func (d *driver) withWriteLock(ctx context.Context, user syncstorage.UserID, collection string, fn func(cid int32) error) error {
	owned := d.tx == nil
	if owned {
		if err := d.LockForWrite(ctx, user, collection); err != nil {
			return err
		}
	}
	cid, err := d.db.cache.GetID(ctx, collection)
	if err == nil {
		err = fn(cid)
	}
	if !owned {
		return err
	}
	if err != nil {
		_ = d.Rollback(ctx)
		return err
	}
	return d.Commit(ctx)
}
