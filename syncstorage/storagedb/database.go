// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package storagedb implements the syncstorage.Driver capability set over
// database/sql. One shared implementation serves sqlite3, mysql, and
// postgres through a thin dialect layer; every session handed to a request
// wraps a dedicated connection drawn from the session pool.
package storagedb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/mozilla-services/syncstorage/internal/dbutil"
	"github.com/mozilla-services/syncstorage/syncstorage"
	"github.com/mozilla-services/syncstorage/syncstorage/sessionpool"
)

var (
	mon = monkit.Package()

	// Error is the default storagedb errs class.
	Error = errs.Class("storagedb")
)

// Config carries the database settings of the storage service.
type Config struct {
	DatabaseURL string              `help:"storage database connection url" default:"sqlite3://:memory:"`
	Pool        sessionpool.Options `help:""`
	Quota       syncstorage.QuotaConfig
}

// DB implements syncstorage.DB over a SQL engine.
type DB struct {
	log     *zap.Logger
	sqlDB   *sql.DB
	dialect dialect
	pool    *sessionpool.Pool
	cache   *syncstorage.CollectionCache
	quota   syncstorage.QuotaConfig
	limits  syncstorage.Limits
}

var _ syncstorage.DB = (*DB)(nil)

// Open connects to the database named by config.DatabaseURL, dispatching
// on its scheme, and runs any pending schema migrations.
func Open(ctx context.Context, log *zap.Logger, config Config, limits syncstorage.Limits) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(config.DatabaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	switch impl {
	case dbutil.SQLite3, dbutil.MySQL, dbutil.Postgres:
	case dbutil.Spanner:
		return nil, Error.New("spanner backend is not built into this binary")
	default:
		return nil, Error.New("unsupported database %q", config.DatabaseURL)
	}

	if impl == dbutil.SQLite3 && source == ":memory:" {
		// a plain :memory: database exists per connection; the shared
		// cache form gives every pooled connection the same database
		source = "file::memory:?mode=memory&cache=shared"
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.New("failed opening database at %q: %v", source, err)
	}
	dbutil.Configure(sqlDB, config.Pool.MaxSize, config.Pool.MaxSize*2, 0, mon)

	db := &DB{
		log:     log,
		sqlDB:   sqlDB,
		dialect: dialect{impl: impl},
		quota:   config.Quota,
		limits:  limits,
	}
	db.cache = syncstorage.NewCollectionCache(db)
	db.pool = sessionpool.New(log.Named("pool"), connFactory{db: db}, config.Pool)

	if err := db.Migration().Run(log.Named("migrate"), sqlDB); err != nil {
		return nil, errs.Combine(Error.Wrap(err), sqlDB.Close())
	}
	return db, nil
}

// Driver acquires a pooled session and wraps it into a request-scoped
// driver.
func (db *DB) Driver(ctx context.Context) (syncstorage.Driver, error) {
	session, err := db.pool.Acquire(ctx)
	if err != nil {
		if sessionpool.ErrTimeout.Has(err) {
			return nil, syncstorage.ErrPoolTimeout.Wrap(err)
		}
		return nil, syncstorage.ErrBackend.Wrap(err)
	}
	return &driver{db: db, session: session, conn: session.Resource.(*connResource).conn}, nil
}

// Check verifies the database answers a trivial query.
func (db *DB) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	var one int
	err = db.sqlDB.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	return Error.Wrap(err)
}

// Close shuts down the pool and the underlying database.
func (db *DB) Close() error {
	return errs.Combine(db.pool.Close(), Error.Wrap(db.sqlDB.Close()))
}

// Cache exposes the collection-id cache, shared with the handlers.
func (db *DB) Cache() *syncstorage.CollectionCache { return db.cache }

// Limits returns the configured size limits.
func (db *DB) Limits() syncstorage.Limits { return db.limits }

// GetCollectionID resolves a collection name globally.
func (db *DB) GetCollectionID(ctx context.Context, name string) (_ int32, err error) {
	defer mon.Task()(&ctx)(&err)
	var id int32
	err = db.sqlDB.QueryRowContext(ctx,
		db.dialect.rebind(`SELECT id FROM collections WHERE name = ?`), name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, syncstorage.ErrCollectionNotFound.New("%q", name)
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// CreateCollection assigns the next free id (>= 100) to name. A losing
// racer returns the id the winner inserted.
func (db *DB) CreateCollection(ctx context.Context, name string) (_ int32, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	var maxID sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(id) FROM collections`+db.dialect.forUpdate()).Scan(&maxID)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	id := int64(syncstorage.FirstCustomCollectionID)
	if maxID.Valid && maxID.Int64+1 > id {
		id = maxID.Int64 + 1
	}

	_, err = tx.ExecContext(ctx,
		db.dialect.rebind(`INSERT INTO collections (id, name) VALUES (?, ?)`), id, name)
	if err != nil {
		// lost the race; adopt the winner's id
		_ = tx.Rollback()
		winner, lookupErr := db.GetCollectionID(ctx, name)
		if lookupErr == nil {
			return winner, nil
		}
		return 0, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	return int32(id), nil
}

// PurgeExpired removes expired BSOs and batches and refreshes the cached
// per-collection counters.
func (db *DB) PurgeExpired(ctx context.Context) (bsos, batches int64, err error) {
	defer mon.Task()(&ctx)(&err)
	now := time.Now().UnixNano() / int64(time.Millisecond)

	res, err := db.sqlDB.ExecContext(ctx,
		db.dialect.rebind(`DELETE FROM bsos WHERE expiry <= ?`), now)
	if err != nil {
		return 0, 0, Error.Wrap(err)
	}
	bsos, _ = res.RowsAffected()

	_, err = db.sqlDB.ExecContext(ctx,
		db.dialect.rebind(`DELETE FROM batch_upload_items WHERE batch_id IN
			(SELECT batch_id FROM batches WHERE expiry <= ?)`), now)
	if err != nil {
		return bsos, 0, Error.Wrap(err)
	}
	res, err = db.sqlDB.ExecContext(ctx,
		db.dialect.rebind(`DELETE FROM batches WHERE expiry <= ?`), now)
	if err != nil {
		return bsos, 0, Error.Wrap(err)
	}
	batches, _ = res.RowsAffected()

	if bsos > 0 {
		err = db.refreshCounters(ctx, now)
		if err != nil {
			return bsos, batches, err
		}
	}
	return bsos, batches, nil
}

// refreshCounters recomputes user_collections count and total_bytes from
// the live rows after a purge.
func (db *DB) refreshCounters(ctx context.Context, now int64) error {
	rows, err := db.sqlDB.QueryContext(ctx, db.dialect.rebind(
		`SELECT uc.user_id, uc.collection_id,
			COALESCE(SUM(b.payload_size), 0), COUNT(b.id)
		FROM user_collections uc
		LEFT JOIN bsos b ON b.user_id = uc.user_id
			AND b.collection_id = uc.collection_id AND b.expiry > ?
		GROUP BY uc.user_id, uc.collection_id`), now)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	type counter struct {
		userID, collectionID, bytes, count int64
	}
	var counters []counter
	for rows.Next() {
		var c counter
		if err := rows.Scan(&c.userID, &c.collectionID, &c.bytes, &c.count); err != nil {
			return Error.Wrap(err)
		}
		counters = append(counters, c)
	}
	if err := rows.Err(); err != nil {
		return Error.Wrap(err)
	}

	for _, c := range counters {
		_, err := db.sqlDB.ExecContext(ctx, db.dialect.rebind(
			`UPDATE user_collections SET count = ?, total_bytes = ?
			WHERE user_id = ? AND collection_id = ?`),
			c.count, c.bytes, c.userID, c.collectionID)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// connFactory creates pool sessions as dedicated database connections, so
// a transaction stays pinned to one session.
type connFactory struct {
	db *DB
}

func (f connFactory) Create(ctx context.Context) (sessionpool.Resource, error) {
	conn, err := f.db.sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &connResource{conn: conn}, nil
}

type connResource struct {
	conn *sql.Conn
}

func (r *connResource) Ping(ctx context.Context) error {
	if err := r.conn.PingContext(ctx); err != nil {
		return sessionpool.ErrNotFound.Wrap(err)
	}
	return nil
}

func (r *connResource) Close() error { return r.conn.Close() }
