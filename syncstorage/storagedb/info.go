// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"context"
	"database/sql"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

// GetCollectionTimestamps returns name -> last_modified for every
// collection of the user that still holds live BSOs.
func (d *driver) GetCollectionTimestamps(ctx context.Context, user syncstorage.UserID) (_ map[string]syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := d.querier().QueryContext(ctx, d.db.dialect.rebind(
		`SELECT uc.collection_id, uc.modified
		FROM user_collections uc
		WHERE uc.user_id = ?
		AND EXISTS (
			SELECT 1 FROM bsos b
			WHERE b.user_id = uc.user_id AND b.collection_id = uc.collection_id
			AND b.expiry > ?
		)`), user, d.Timestamp().AsMilliseconds())
	if err != nil {
		return nil, d.translate(err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]syncts.Timestamp)
	for rows.Next() {
		var cid int32
		var modified int64
		if err := rows.Scan(&cid, &modified); err != nil {
			return nil, d.translate(err)
		}
		name, err := d.collectionName(ctx, cid)
		if err != nil {
			return nil, err
		}
		result[name] = syncts.Timestamp(modified)
	}
	return result, d.translate(rows.Err())
}

// GetCollectionTimestamp returns the collection's last_modified, or
// ErrCollectionNotFound when it holds no live BSOs.
func (d *driver) GetCollectionTimestamp(ctx context.Context, user syncstorage.UserID, collection string) (_ syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if err != nil {
		return 0, err
	}

	var modified int64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT uc.modified FROM user_collections uc
		WHERE uc.user_id = ? AND uc.collection_id = ?
		AND EXISTS (
			SELECT 1 FROM bsos b
			WHERE b.user_id = uc.user_id AND b.collection_id = uc.collection_id
			AND b.expiry > ?
		)`), user, cid, d.Timestamp().AsMilliseconds()).Scan(&modified)
	if err == sql.ErrNoRows {
		return 0, syncstorage.ErrCollectionNotFound.New("%q", collection)
	}
	if err != nil {
		return 0, d.translate(err)
	}
	return syncts.Timestamp(modified), nil
}

// GetCollectionCounts returns name -> live BSO count.
func (d *driver) GetCollectionCounts(ctx context.Context, user syncstorage.UserID) (_ map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)
	return d.aggregateByCollection(ctx, user, `COUNT(id)`)
}

// GetCollectionUsage returns name -> summed payload bytes over live BSOs.
func (d *driver) GetCollectionUsage(ctx context.Context, user syncstorage.UserID) (_ map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)
	return d.aggregateByCollection(ctx, user, `COALESCE(SUM(payload_size), 0)`)
}

func (d *driver) aggregateByCollection(ctx context.Context, user syncstorage.UserID, agg string) (map[string]int64, error) {
	rows, err := d.querier().QueryContext(ctx, d.db.dialect.rebind(
		`SELECT collection_id, `+agg+` FROM bsos
		WHERE user_id = ? AND expiry > ?
		GROUP BY collection_id`), user, d.Timestamp().AsMilliseconds())
	if err != nil {
		return nil, d.translate(err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]int64)
	for rows.Next() {
		var cid int32
		var value int64
		if err := rows.Scan(&cid, &value); err != nil {
			return nil, d.translate(err)
		}
		name, err := d.collectionName(ctx, cid)
		if err != nil {
			return nil, err
		}
		result[name] = value
	}
	return result, d.translate(rows.Err())
}

// GetStorageTimestamp returns the newest collection timestamp, or zero for
// a user with no data.
func (d *driver) GetStorageTimestamp(ctx context.Context, user syncstorage.UserID) (_ syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	var modified sql.NullInt64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT MAX(modified) FROM user_collections WHERE user_id = ?`), user).Scan(&modified)
	if err != nil {
		return 0, d.translate(err)
	}
	if !modified.Valid {
		return 0, nil
	}
	return syncts.Timestamp(modified.Int64), nil
}

// GetStorageUsage returns the user's total live payload bytes.
func (d *driver) GetStorageUsage(ctx context.Context, user syncstorage.UserID) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var total sql.NullInt64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT SUM(payload_size) FROM bsos WHERE user_id = ? AND expiry > ?`),
		user, d.Timestamp().AsMilliseconds()).Scan(&total)
	if err != nil {
		return 0, d.translate(err)
	}
	return total.Int64, nil
}

// GetQuotaUsage returns the cached byte and record counters the quota
// enforcer consults; zero values for an untouched collection.
func (d *driver) GetQuotaUsage(ctx context.Context, user syncstorage.UserID, collection string) (_ syncstorage.QuotaUsage, err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		return syncstorage.QuotaUsage{}, nil
	}
	if err != nil {
		return syncstorage.QuotaUsage{}, err
	}

	var usage syncstorage.QuotaUsage
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT total_bytes, count FROM user_collections
		WHERE user_id = ? AND collection_id = ?`), user, cid).Scan(&usage.TotalBytes, &usage.Count)
	if err == sql.ErrNoRows {
		return syncstorage.QuotaUsage{}, nil
	}
	if err != nil {
		return syncstorage.QuotaUsage{}, d.translate(err)
	}
	return usage, nil
}

// collectionName resolves an id back to its name, falling back to the
// collections table for entries another process created.
func (d *driver) collectionName(ctx context.Context, cid int32) (string, error) {
	if name, ok := d.db.cache.Name(cid); ok {
		return name, nil
	}
	var name string
	err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT name FROM collections WHERE id = ?`), cid).Scan(&name)
	if err == sql.ErrNoRows {
		return "", syncstorage.ErrCollectionNotFound.New("id %d", cid)
	}
	if err != nil {
		return "", d.translate(err)
	}
	d.db.cache.Put(name, cid)
	return name, nil
}
