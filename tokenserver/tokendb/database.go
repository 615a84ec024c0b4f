// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package tokendb implements the token-issuance database: the user
// assignment records, the storage node registry, and the service catalog.
// It shares the shared-SQL conventions of the storage backend and serves
// sqlite3, mysql, and postgres.
package tokendb

import (
	"context"
	"database/sql"
	"time"

	// registers the sql drivers shared with the storage backend
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/mozilla-services/syncstorage/internal/dbutil"
	"github.com/mozilla-services/syncstorage/internal/migrate"
)

var (
	mon = monkit.Package()

	// Error is the default tokendb errs class.
	Error = errs.Class("tokendb")

	// ErrUserNotFound means no live assignment record exists.
	ErrUserNotFound = errs.Class("user not found")
	// ErrServiceNotFound means the named service is not registered.
	ErrServiceNotFound = errs.Class("service not found")
	// ErrNodeNotFound means the named node is not registered.
	ErrNodeNotFound = errs.Class("node not found")
	// ErrNoAvailableNodes means every node is full, downed, or backed off.
	ErrNoAvailableNodes = errs.Class("no available nodes")

	// ErrInvalidGeneration rejects a credential older than the stored
	// generation.
	ErrInvalidGeneration = errs.Class("invalid generation")
	// ErrInvalidKeysChangedAt rejects a keys_changed_at behind the stored
	// value.
	ErrInvalidKeysChangedAt = errs.Class("invalid keys_changed_at")
	// ErrInvalidClientState rejects reuse of a retired client state.
	ErrInvalidClientState = errs.Class("invalid client state")
)

// Config carries the token database settings.
type Config struct {
	DatabaseURL             string  `help:"tokenserver database connection url" default:"sqlite3://:memory:"`
	NodeCapacityReleaseRate float64 `help:"fraction of node capacity released when every node reads as full" default:"0.1"`
}

// DB is the token-issuance database.
type DB struct {
	log         *zap.Logger
	sqlDB       *sql.DB
	impl        dbutil.Implementation
	releaseRate float64
}

// Open connects to the database named by config.DatabaseURL and runs any
// pending schema migrations.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	driver, source, impl, err := dbutil.SplitConnStr(config.DatabaseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	switch impl {
	case dbutil.SQLite3, dbutil.MySQL, dbutil.Postgres:
	default:
		return nil, Error.New("unsupported database %q", config.DatabaseURL)
	}
	if impl == dbutil.SQLite3 && source == ":memory:" {
		source = "file::memory:?mode=memory&cache=shared"
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.New("failed opening database at %q: %v", source, err)
	}
	dbutil.Configure(sqlDB, 10, 20, 0, mon)
	if impl == dbutil.SQLite3 {
		// sqlite serializes writers; a single connection avoids busy errors
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{
		log:         log,
		sqlDB:       sqlDB,
		impl:        impl,
		releaseRate: config.NodeCapacityReleaseRate,
	}
	if err := db.Migration().Run(log.Named("migrate"), sqlDB); err != nil {
		return nil, errs.Combine(Error.Wrap(err), sqlDB.Close())
	}
	return db, nil
}

// Check verifies the database answers a trivial query.
func (db *DB) Check(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	var one int
	err = db.sqlDB.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
	return Error.Wrap(err)
}

// Close shuts down the database.
func (db *DB) Close() error {
	return Error.Wrap(db.sqlDB.Close())
}

// Migration returns the tokenserver schema migration.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "tokenserver_versions",
		Steps: []*migrate.Step{
			{
				Description: "initial tokenserver schema",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE services (
						id BIGINT NOT NULL PRIMARY KEY,
						service VARCHAR(30) NOT NULL UNIQUE,
						pattern VARCHAR(128) NOT NULL
					)`,
					`CREATE TABLE nodes (
						id BIGINT NOT NULL PRIMARY KEY,
						service BIGINT NOT NULL,
						node VARCHAR(64) NOT NULL,
						available BIGINT NOT NULL DEFAULT 0,
						current_load BIGINT NOT NULL DEFAULT 0,
						capacity BIGINT NOT NULL DEFAULT 0,
						downed INT NOT NULL DEFAULT 0,
						backoff INT NOT NULL DEFAULT 0,
						UNIQUE (service, node)
					)`,
					`CREATE TABLE users (
						uid BIGINT NOT NULL PRIMARY KEY,
						service BIGINT NOT NULL,
						email VARCHAR(255) NOT NULL,
						generation BIGINT NOT NULL DEFAULT 0,
						client_state VARCHAR(32) NOT NULL,
						created_at BIGINT NOT NULL,
						replaced_at BIGINT,
						nodeid BIGINT NOT NULL,
						keys_changed_at BIGINT
					)`,
					`CREATE INDEX users_lookup ON users (service, email, replaced_at)`,
				},
			},
		},
	}
}

func (db *DB) rebind(query string) string { return dbutil.Rebind(db.impl, query) }

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}
