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

func TestCollectionInfo(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	stamps, err := driver.GetCollectionTimestamps(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, stamps)

	_, err = driver.PostBSOs(ctx, user, "bookmarks", []syncstorage.Record{
		{ID: "a", Payload: str("12345")},
		{ID: "b", Payload: str("123")},
	})
	require.NoError(t, err)
	historyTS, err := driver.PutBSO(ctx, user, "history", syncstorage.Record{
		ID: "c", Payload: str("1234567890"),
	})
	require.NoError(t, err)

	stamps, err = driver.GetCollectionTimestamps(ctx, user)
	require.NoError(t, err)
	require.Len(t, stamps, 2)
	assert.Equal(t, historyTS, stamps["history"])

	counts, err := driver.GetCollectionCounts(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bookmarks": 2, "history": 1}, counts)

	usage, err := driver.GetCollectionUsage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"bookmarks": 8, "history": 10}, usage)

	total, err := driver.GetStorageUsage(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(18), total)

	storageTS, err := driver.GetStorageTimestamp(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, historyTS, storageTS)

	quota, err := driver.GetQuotaUsage(ctx, user, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, int64(8), quota.TotalBytes)
	assert.Equal(t, int64(2), quota.Count)

	quota, err = driver.GetQuotaUsage(ctx, user, "neverseen")
	require.NoError(t, err)
	assert.Zero(t, quota.TotalBytes)
	assert.Zero(t, quota.Count)
}

func TestCollectionTimestampRequiresLiveData(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	writer := openDriver(t, ctx, db)
	ts, err := writer.PutBSO(ctx, user, "tabs", syncstorage.Record{
		ID: "a", Payload: str("x"), TTL: i64(1),
	})
	require.NoError(t, err)
	writer.Release()

	later := openDriver(t, ctx, db)
	later.SetTimestamp(ts.Add(2 * time.Second))

	// the only BSO expired, so the collection reads as absent
	_, err = later.GetCollectionTimestamp(ctx, user, "tabs")
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))

	stamps, err := later.GetCollectionTimestamps(ctx, user)
	require.NoError(t, err)
	assert.NotContains(t, stamps, "tabs")
}

func TestCustomCollectionIDs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())

	id, err := db.Cache().GetID(ctx, "my-custom-data")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, syncstorage.FirstCustomCollectionID)

	again, err := db.Cache().GetID(ctx, "my-custom-data")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	second, err := db.Cache().GetID(ctx, "more-custom-data")
	require.NoError(t, err)
	assert.Equal(t, id+1, second)

	wellKnown, err := db.Cache().LookupID(ctx, "bookmarks")
	require.NoError(t, err)
	assert.Equal(t, int32(7), wellKnown)
}
