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
	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

func TestPutGetBSO(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	ts, err := driver.PutBSO(ctx, user, "bookmarks", syncstorage.Record{
		ID:        "bso1",
		Payload:   str("hello"),
		SortIndex: i32(12),
	})
	require.NoError(t, err)
	require.NotZero(t, ts)

	bso, err := driver.GetBSO(ctx, user, "bookmarks", "bso1")
	require.NoError(t, err)
	assert.Equal(t, "bso1", bso.ID)
	assert.Equal(t, "hello", bso.Payload)
	require.NotNil(t, bso.SortIndex)
	assert.Equal(t, int32(12), *bso.SortIndex)
	assert.Equal(t, ts, bso.Modified)

	_, err = driver.GetBSO(ctx, user, "bookmarks", "missing")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))

	_, err = driver.GetBSO(ctx, user, "history", "bso1")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))
}

func TestPutBSOPartialUpdate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	first, err := driver.PutBSO(ctx, user, "bookmarks", syncstorage.Record{
		ID:        "bso1",
		Payload:   str("original"),
		SortIndex: i32(5),
	})
	require.NoError(t, err)

	// only sortindex changes; payload must survive
	second, err := driver.PutBSO(ctx, user, "bookmarks", syncstorage.Record{
		ID:        "bso1",
		SortIndex: i32(9),
	})
	require.NoError(t, err)
	assert.True(t, second.After(first), "modified must strictly increase")

	bso, err := driver.GetBSO(ctx, user, "bookmarks", "bso1")
	require.NoError(t, err)
	assert.Equal(t, "original", bso.Payload)
	require.NotNil(t, bso.SortIndex)
	assert.Equal(t, int32(9), *bso.SortIndex)
	assert.Equal(t, second, bso.Modified)
}

func TestPutBSOMonotonicModified(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	var last syncts.Timestamp
	for i := 0; i < 5; i++ {
		ts, err := driver.PutBSO(ctx, user, "bookmarks", syncstorage.Record{
			ID:      "bso1",
			Payload: str("x"),
		})
		require.NoError(t, err)
		assert.True(t, ts.After(last), "write %d: %d not after %d", i, ts, last)
		last = ts
	}
}

func TestBSOExpiry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	writer := openDriver(t, ctx, db)
	ts, err := writer.PutBSO(ctx, user, "tabs", syncstorage.Record{
		ID:      "shortlived",
		Payload: str("gone soon"),
		TTL:     i64(1),
	})
	require.NoError(t, err)
	_, err = writer.PutBSO(ctx, user, "tabs", syncstorage.Record{
		ID:      "eternal",
		Payload: str("stays"),
	})
	require.NoError(t, err)
	writer.Release()

	reader := openDriver(t, ctx, db)
	reader.SetTimestamp(ts.Add(2 * time.Second))

	_, err = reader.GetBSO(ctx, user, "tabs", "shortlived")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))

	bso, err := reader.GetBSO(ctx, user, "tabs", "eternal")
	require.NoError(t, err)
	assert.Equal(t, "stays", bso.Payload)

	results, err := reader.GetBSOIDs(ctx, user, "tabs", syncstorage.GetParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"eternal"}, results.IDs)
}

func TestPostBSOs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	limits := testLimits()
	limits.MaxRecordPayloadBytes = 16

	db := openTestDB(t, ctx, testConfig(), limits)
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	results, err := driver.PostBSOs(ctx, user, "history", []syncstorage.Record{
		{ID: "ok1", Payload: str("a")},
		{ID: "ok2", Payload: str("b")},
		{ID: "toolarge", Payload: str("this payload exceeds limit")},
		{ID: "bad\nid", Payload: str("c")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ok1", "ok2"}, results.Success)
	assert.Contains(t, results.Failed, "toolarge")
	assert.Contains(t, results.Failed, "bad\nid")

	bso, err := driver.GetBSO(ctx, user, "history", "ok1")
	require.NoError(t, err)
	assert.Equal(t, results.Modified, bso.Modified)

	_, err = driver.GetBSO(ctx, user, "history", "toolarge")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))
}

func TestGetBSOsFilters(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	var stamps []syncts.Timestamp
	for _, id := range []string{"a", "b", "c"} {
		driver := openDriver(t, ctx, db)
		ts, err := driver.PutBSO(ctx, user, "history", syncstorage.Record{
			ID:      id,
			Payload: str("payload-" + id),
		})
		require.NoError(t, err)
		driver.Release()
		stamps = append(stamps, ts)
	}

	driver := openDriver(t, ctx, db)

	results, err := driver.GetBSOs(ctx, user, "history", syncstorage.GetParams{
		Sort: syncstorage.SortOldest,
	})
	require.NoError(t, err)
	require.Len(t, results.Items, 3)
	assert.Equal(t, "a", results.Items[0].ID)
	assert.Equal(t, "c", results.Items[2].ID)
	assert.Empty(t, results.Offset)

	results, err = driver.GetBSOs(ctx, user, "history", syncstorage.GetParams{
		Newer: &stamps[0],
		Sort:  syncstorage.SortOldest,
	})
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	assert.Equal(t, "b", results.Items[0].ID)

	results, err = driver.GetBSOs(ctx, user, "history", syncstorage.GetParams{
		Older: &stamps[2],
		Sort:  syncstorage.SortNewest,
	})
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	assert.Equal(t, "b", results.Items[0].ID)

	results, err = driver.GetBSOs(ctx, user, "history", syncstorage.GetParams{
		IDs:  []string{"a", "c", "nope"},
		Sort: syncstorage.SortOldest,
	})
	require.NoError(t, err)
	require.Len(t, results.Items, 2)
	assert.Equal(t, "a", results.Items[0].ID)
	assert.Equal(t, "c", results.Items[1].ID)

	// unknown collections read as empty, not as an error
	results, err = driver.GetBSOs(ctx, user, "neverseen", syncstorage.GetParams{})
	require.NoError(t, err)
	assert.Empty(t, results.Items)
}

func TestGetBSOsPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	// all five rows share one modified so pagination must tie-break on id
	driver := openDriver(t, ctx, db)
	results, err := driver.PostBSOs(ctx, user, "forms", []syncstorage.Record{
		{ID: "e", Payload: str("1")},
		{ID: "d", Payload: str("2")},
		{ID: "c", Payload: str("3")},
		{ID: "b", Payload: str("4")},
		{ID: "a", Payload: str("5")},
	})
	require.NoError(t, err)
	require.Len(t, results.Success, 5)

	var seen []string
	params := syncstorage.GetParams{Sort: syncstorage.SortNewest, Limit: 2}
	for page := 0; page < 4; page++ {
		res, err := driver.GetBSOs(ctx, user, "forms", params)
		require.NoError(t, err)
		for _, item := range res.Items {
			seen = append(seen, item.ID)
		}
		if res.Offset == "" {
			break
		}
		offset, err := syncstorage.ParseOffset(res.Offset)
		require.NoError(t, err)
		params.Offset = offset
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, seen)
}

func TestGetBSOsNumericOffset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	user := syncstorage.UserID(testrand.UserID())

	driver := openDriver(t, ctx, db)
	_, err := driver.PostBSOs(ctx, user, "forms", []syncstorage.Record{
		{ID: "a", Payload: str("1"), SortIndex: i32(30)},
		{ID: "b", Payload: str("2"), SortIndex: i32(20)},
		{ID: "c", Payload: str("3"), SortIndex: i32(10)},
		{ID: "d", Payload: str("4")},
	})
	require.NoError(t, err)

	// sort=index pages by row offset; nulls come after every value
	res, err := driver.GetBSOs(ctx, user, "forms", syncstorage.GetParams{
		Sort: syncstorage.SortIndex, Limit: 2,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "a", res.Items[0].ID)
	assert.Equal(t, "b", res.Items[1].ID)
	assert.Equal(t, "2", res.Offset)

	offset, err := syncstorage.ParseOffset(res.Offset)
	require.NoError(t, err)
	res, err = driver.GetBSOs(ctx, user, "forms", syncstorage.GetParams{
		Sort: syncstorage.SortIndex, Limit: 2, Offset: offset,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "c", res.Items[0].ID)
	assert.Equal(t, "d", res.Items[1].ID)
	assert.Empty(t, res.Offset)

	// the offset applies even without a limit
	res, err = driver.GetBSOs(ctx, user, "forms", syncstorage.GetParams{
		Sort: syncstorage.SortIndex, Offset: offset,
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "c", res.Items[0].ID)
	assert.Equal(t, "d", res.Items[1].ID)
	assert.Empty(t, res.Offset)
}

func TestDeleteBSO(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	put, err := driver.PutBSO(ctx, user, "prefs", syncstorage.Record{
		ID: "bso1", Payload: str("x"),
	})
	require.NoError(t, err)

	deleted, err := driver.DeleteBSO(ctx, user, "prefs", "bso1")
	require.NoError(t, err)
	assert.True(t, deleted.After(put))

	_, err = driver.GetBSO(ctx, user, "prefs", "bso1")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))

	_, err = driver.DeleteBSO(ctx, user, "prefs", "bso1")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))

	_, err = driver.DeleteBSO(ctx, user, "neverseen", "bso1")
	assert.True(t, syncstorage.ErrBsoNotFound.Has(err))
}

func TestDeleteCollection(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	_, err := driver.PostBSOs(ctx, user, "passwords", []syncstorage.Record{
		{ID: "a", Payload: str("1")},
		{ID: "b", Payload: str("2")},
		{ID: "c", Payload: str("3")},
	})
	require.NoError(t, err)

	// partial delete keeps the collection alive
	_, err = driver.DeleteCollection(ctx, user, "passwords", []string{"a", "b"})
	require.NoError(t, err)

	results, err := driver.GetBSOIDs(ctx, user, "passwords", syncstorage.GetParams{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, results.IDs)

	_, err = driver.GetCollectionTimestamp(ctx, user, "passwords")
	require.NoError(t, err)

	// full delete removes it from the listings
	_, err = driver.DeleteCollection(ctx, user, "passwords", nil)
	require.NoError(t, err)

	_, err = driver.GetCollectionTimestamp(ctx, user, "passwords")
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))

	_, err = driver.DeleteCollection(ctx, user, "neverseen", nil)
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))
}

func TestDeleteCollectionNothingMatched(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())

	// a well-known name resolves even before the user ever wrote to it
	_, err := driver.DeleteCollection(ctx, user, "passwords", nil)
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))

	_, err = driver.DeleteCollection(ctx, user, "passwords", []string{"zzz"})
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))

	// the failed deletes must not conjure the collection into the listings
	stamps, err := driver.GetCollectionTimestamps(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, stamps)

	// an ids delete matching none of the user's live rows fails too and
	// leaves the collection timestamp alone
	put, err := driver.PutBSO(ctx, user, "passwords", syncstorage.Record{
		ID: "mine", Payload: str("1"),
	})
	require.NoError(t, err)

	_, err = driver.DeleteCollection(ctx, user, "passwords", []string{"zzz"})
	assert.True(t, syncstorage.ErrCollectionNotFound.Has(err))

	ts, err := driver.GetCollectionTimestamp(ctx, user, "passwords")
	require.NoError(t, err)
	assert.Equal(t, put, ts)
}

func TestDeleteStorage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openTestDB(t, ctx, testConfig(), testLimits())
	driver := openDriver(t, ctx, db)
	user := syncstorage.UserID(testrand.UserID())
	other := user + 1

	_, err := driver.PutBSO(ctx, user, "bookmarks", syncstorage.Record{ID: "a", Payload: str("1")})
	require.NoError(t, err)
	_, err = driver.PutBSO(ctx, user, "history", syncstorage.Record{ID: "b", Payload: str("2")})
	require.NoError(t, err)
	_, err = driver.PutBSO(ctx, other, "bookmarks", syncstorage.Record{ID: "c", Payload: str("3")})
	require.NoError(t, err)

	_, err = driver.DeleteStorage(ctx, user)
	require.NoError(t, err)

	stamps, err := driver.GetCollectionTimestamps(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, stamps)

	ts, err := driver.GetStorageTimestamp(ctx, user)
	require.NoError(t, err)
	assert.Zero(t, ts)

	// the other user's data is untouched
	_, err = driver.GetBSO(ctx, other, "bookmarks", "c")
	require.NoError(t, err)
}
