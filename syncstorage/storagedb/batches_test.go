// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-services/syncstorage/internal/testcontext"
	"github.com/mozilla-services/syncstorage/internal/testrand"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

func TestBatchLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	id, err := driver.CreateBatch(ctx, user, "bookmarks", []syncstorage.Record{
		{ID: "a", Payload: str("first")},
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	ok, err := driver.ValidateBatch(ctx, user, "bookmarks", id)
	require.NoError(t, err)
	assert.True(t, ok)

	err = driver.AppendToBatch(ctx, user, "bookmarks", id, []syncstorage.Record{
		{ID: "b", Payload: str("second"), SortIndex: i32(3)},
		{ID: "a", Payload: str("first, revised")},
	})
	require.NoError(t, err)

	// nothing lands in the collection until commit
	results, err := driver.GetBSOIDs(ctx, user, "bookmarks", syncstorage.GetParams{})
	require.NoError(t, err)
	assert.Empty(t, results.IDs)

	batch, err := driver.GetBatch(ctx, user, "bookmarks", id)
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)

	committed, err := driver.CommitBatch(ctx, user, "bookmarks", batch)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, committed.Success)

	bso, err := driver.GetBSO(ctx, user, "bookmarks", "a")
	require.NoError(t, err)
	assert.Equal(t, "first, revised", bso.Payload)
	assert.Equal(t, committed.Modified, bso.Modified)

	// the batch is gone after commit
	ok, err = driver.ValidateBatch(ctx, user, "bookmarks", id)
	require.NoError(t, err)
	assert.False(t, ok)
	batch, err = driver.GetBatch(ctx, user, "bookmarks", id)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestBatchUnknown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	ok, err := driver.ValidateBatch(ctx, user, "bookmarks", 12345)
	require.NoError(t, err)
	assert.False(t, ok)

	// an unknown batch reads as nil, not as an error
	batch, err := driver.GetBatch(ctx, user, "bookmarks", 12345)
	require.NoError(t, err)
	assert.Nil(t, batch)

	err = driver.AppendToBatch(ctx, user, "bookmarks", 12345, []syncstorage.Record{
		{ID: "a", Payload: str("x")},
	})
	assert.True(t, syncstorage.ErrBatchNotFound.Has(err))

	// deleting an unknown batch is a no-op
	require.NoError(t, driver.DeleteBatch(ctx, user, "bookmarks", 12345))
	require.NoError(t, driver.DeleteBatch(ctx, user, "neverseen", 12345))
}

func TestBatchExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	creator := openDriver(t, ctx, db)
	id, err := creator.CreateBatch(ctx, user, "history", []syncstorage.Record{
		{ID: "a", Payload: str("staged")},
	})
	require.NoError(t, err)
	creator.Release()

	late := openDriver(t, ctx, db)
	late.SetTimestamp(id.Timestamp().Add(syncstorage.BatchLifetime + time.Minute))

	ok, err := late.ValidateBatch(ctx, user, "history", id)
	require.NoError(t, err)
	assert.False(t, ok)

	batch, err := late.GetBatch(ctx, user, "history", id)
	require.NoError(t, err)
	assert.Nil(t, batch)

	err = late.AppendToBatch(ctx, user, "history", id, []syncstorage.Record{
		{ID: "b", Payload: str("too late")},
	})
	assert.True(t, syncstorage.ErrBatchNotFound.Has(err))

	_, err = late.CommitBatch(ctx, user, "history", &syncstorage.Batch{ID: id})
	assert.True(t, syncstorage.ErrBatchNotFound.Has(err))
}

func TestBatchCommitResolvesTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	id, err := driver.CreateBatch(ctx, user, "tabs", []syncstorage.Record{
		{ID: "a", Payload: str("x"), TTL: i64(3600)},
	})
	require.NoError(t, err)

	batch, err := driver.GetBatch(ctx, user, "tabs", id)
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.NotNil(t, batch.Records[0].TTL)
	assert.Equal(t, int64(3600), *batch.Records[0].TTL)

	committed, err := driver.CommitBatch(ctx, user, "tabs", batch)
	require.NoError(t, err)

	// alive just before the ttl runs out, gone just after
	reader := openDriver(t, ctx, db)
	reader.SetTimestamp(committed.Modified.Add(time.Hour - time.Second))
	_, err = reader.GetBSO(ctx, user, "tabs", "a")
	require.NoError(t, err)

	reader.SetTimestamp(committed.Modified.Add(time.Hour + time.Second))
	_, err = reader.GetBSO(ctx, user, "tabs", "a")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))
}

func TestBatchIDsDistinct(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	seen := map[syncstorage.BatchID]bool{}
	for i := 0; i < 5; i++ {
		id, err := driver.CreateBatch(ctx, user, "bookmarks", nil)
		require.NoError(t, err)
		assert.False(t, seen[id], "batch id %d reused", id)
		seen[id] = true
	}
}
