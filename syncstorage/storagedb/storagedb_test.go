// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/syncstorage/internal/testcontext"
	"github.com/mozilla-services/syncstorage/internal/testrand"
	"github.com/mozilla-services/syncstorage/syncstorage"
	"github.com/mozilla-services/syncstorage/syncstorage/sessionpool"
	"github.com/mozilla-services/syncstorage/syncstorage/storagedb"
)

func testLimits() syncstorage.Limits {
	return syncstorage.Limits{
		MaxRecordPayloadBytes: 2 * 1024 * 1024,
		MaxPostRecords:        100,
		MaxPostBytes:          2 * 1024 * 1024,
		MaxTotalRecords:       100000,
		MaxTotalBytes:         100 * 1024 * 1024,
		MaxRequestBytes:       2101248,
	}
}

func testConfig() storagedb.Config {
	return storagedb.Config{
		// every test gets its own shared-cache in-memory database
		DatabaseURL: fmt.Sprintf("sqlite3://file:test_%s?mode=memory&cache=shared", testrand.Hex(6)),
		Pool: sessionpool.Options{
			MaxSize:     4,
			WaitTimeout: 5 * time.Second,
		},
	}
}

func openTestDB(t *testing.T, ctx *testcontext.Context, config storagedb.Config, limits syncstorage.Limits) *storagedb.DB {
	db, err := storagedb.Open(ctx, zaptest.NewLogger(t), config, limits)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func openDriver(t *testing.T, ctx *testcontext.Context, db *storagedb.DB) syncstorage.Driver {
	driver, err := db.Driver(ctx)
	require.NoError(t, err)
	t.Cleanup(driver.Release)
	return driver
}

func str(s string) *string { return &s }
func i32(n int32) *int32   { return &n }
func i64(n int64) *int64   { return &n }
