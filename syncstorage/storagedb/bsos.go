// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"context"
	"database/sql"
	"strings"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

// GetBSOs returns one page of full BSOs matching params.
func (d *driver) GetBSOs(ctx context.Context, user syncstorage.UserID, collection string, params syncstorage.GetParams) (_ *syncstorage.GetResults, err error) {
	defer mon.Task()(&ctx)(&err)
	params.FullBSOs = true
	return d.queryBSOs(ctx, user, collection, params)
}

// GetBSOIDs returns one page of matching BSO ids.
func (d *driver) GetBSOIDs(ctx context.Context, user syncstorage.UserID, collection string, params syncstorage.GetParams) (_ *syncstorage.GetResults, err error) {
	defer mon.Task()(&ctx)(&err)
	params.FullBSOs = false
	return d.queryBSOs(ctx, user, collection, params)
}

func (d *driver) queryBSOs(ctx context.Context, user syncstorage.UserID, collection string, params syncstorage.GetParams) (*syncstorage.GetResults, error) {
	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		return &syncstorage.GetResults{}, nil
	}
	if err != nil {
		return nil, err
	}

	now := d.Timestamp().AsMilliseconds()
	where := []string{`user_id = ?`, `collection_id = ?`, `expiry > ?`}
	args := []interface{}{user, cid, now}

	if len(params.IDs) > 0 {
		where = append(where, `id IN (`+placeholders(len(params.IDs))+`)`)
		for _, id := range params.IDs {
			args = append(args, id)
		}
	}
	if params.Newer != nil {
		where = append(where, `modified > ?`)
		args = append(args, params.Newer.AsMilliseconds())
	}
	if params.Older != nil {
		where = append(where, `modified < ?`)
		args = append(args, params.Older.AsMilliseconds())
	}

	// keyset pagination continues strictly after the last row of the
	// previous page; plain numeric tokens fall back to a row offset
	keyset := params.Offset != nil && params.Offset.ID != ""
	if keyset {
		switch params.Sort {
		case syncstorage.SortOldest:
			where = append(where, `(modified > ? OR (modified = ? AND id > ?))`)
		default:
			where = append(where, `(modified < ? OR (modified = ? AND id < ?))`)
		}
		args = append(args, params.Offset.Value, params.Offset.Value, params.Offset.ID)
	}

	columns := `id, modified, sortindex`
	if params.FullBSOs {
		columns += `, payload`
	}
	query := `SELECT ` + columns + ` FROM bsos WHERE ` + strings.Join(where, ` AND `)

	switch params.Sort {
	case syncstorage.SortNewest:
		query += ` ORDER BY modified DESC, id DESC`
	case syncstorage.SortOldest:
		query += ` ORDER BY modified ASC, id ASC`
	case syncstorage.SortIndex:
		query += d.db.dialect.orderIndex()
	}

	var rowOffset int64
	if params.Offset != nil && !keyset {
		rowOffset = params.Offset.Value
	}
	if params.Limit > 0 {
		// one extra row tells us whether another page exists
		query += ` LIMIT ?`
		args = append(args, params.Limit+1)
	} else if rowOffset > 0 {
		// sqlite and mysql refuse a bare OFFSET clause
		query += ` LIMIT ?`
		args = append(args, int64(1)<<31)
	}
	if rowOffset > 0 {
		query += ` OFFSET ?`
		args = append(args, rowOffset)
	}

	rows, err := d.querier().QueryContext(ctx, d.db.dialect.rebind(query), args...)
	if err != nil {
		return nil, d.translate(err)
	}
	defer func() { _ = rows.Close() }()

	var items []syncstorage.BSO
	for rows.Next() {
		var item syncstorage.BSO
		var sortindex sql.NullInt64
		dest := []interface{}{&item.ID, &item.Modified, &sortindex}
		if params.FullBSOs {
			dest = append(dest, &item.Payload)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, d.translate(err)
		}
		if sortindex.Valid {
			v := int32(sortindex.Int64)
			item.SortIndex = &v
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, d.translate(err)
	}

	results := &syncstorage.GetResults{}
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
		last := items[len(items)-1]
		canKeyset := params.Sort == syncstorage.SortNewest || params.Sort == syncstorage.SortOldest
		if canKeyset && (params.Offset == nil || params.Offset.ID != "") {
			results.Offset = syncstorage.Offset{Value: last.Modified.AsMilliseconds(), ID: last.ID}.String()
		} else {
			var base int64
			if params.Offset != nil && params.Offset.ID == "" {
				base = params.Offset.Value
			}
			results.Offset = syncstorage.Offset{Value: base + int64(params.Limit)}.String()
		}
	}

	if params.FullBSOs {
		results.Items = items
	} else {
		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		results.IDs = ids
	}
	return results, nil
}

// GetBSO returns a single live BSO, or ErrBsoNotFound.
func (d *driver) GetBSO(ctx context.Context, user syncstorage.UserID, collection string, id string) (_ *syncstorage.BSO, err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		return nil, syncstorage.ErrBsoNotFound.New("%s/%s", collection, id)
	}
	if err != nil {
		return nil, err
	}

	var item syncstorage.BSO
	var sortindex sql.NullInt64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT id, modified, sortindex, payload FROM bsos
		WHERE user_id = ? AND collection_id = ? AND id = ? AND expiry > ?`),
		user, cid, id, d.Timestamp().AsMilliseconds()).
		Scan(&item.ID, &item.Modified, &sortindex, &item.Payload)
	if err == sql.ErrNoRows {
		return nil, syncstorage.ErrBsoNotFound.New("%s/%s", collection, id)
	}
	if err != nil {
		return nil, d.translate(err)
	}
	if sortindex.Valid {
		v := int32(sortindex.Int64)
		item.SortIndex = &v
	}
	return &item, nil
}

// PutBSO writes a single record and returns the new collection timestamp.
// Nil fields of an existing BSO keep their stored values.
func (d *driver) PutBSO(ctx context.Context, user syncstorage.UserID, collection string, record syncstorage.Record) (ts syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts = d.Timestamp()
		if err := d.checkQuota(ctx, user, payloadSize(record)); err != nil {
			return err
		}
		deltaCount, deltaBytes, err := d.applyRecord(ctx, user, cid, ts, record)
		if err != nil {
			return err
		}
		return d.bumpCollection(ctx, user, cid, ts, deltaCount, deltaBytes)
	})
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// PostBSOs writes many records in one transaction. Records failing
// validation are reported in Failed without aborting the rest.
func (d *driver) PostBSOs(ctx context.Context, user syncstorage.UserID, collection string, records []syncstorage.Record) (_ *syncstorage.PostResults, err error) {
	defer mon.Task()(&ctx)(&err)

	results := &syncstorage.PostResults{Failed: make(map[string]string)}
	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts := d.Timestamp()
		results.Modified = ts

		var added int64
		for _, record := range records {
			added += payloadSize(record)
		}
		if err := d.checkQuota(ctx, user, added); err != nil {
			return err
		}

		var deltaCount, deltaBytes int64
		for _, record := range records {
			if reason, ok := d.validateRecord(record); !ok {
				results.Failed[record.ID] = reason
				continue
			}
			dc, db, err := d.applyRecord(ctx, user, cid, ts, record)
			if err != nil {
				return err
			}
			deltaCount += dc
			deltaBytes += db
			results.Success = append(results.Success, record.ID)
		}
		return d.bumpCollection(ctx, user, cid, ts, deltaCount, deltaBytes)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteBSO removes a single BSO and returns the new collection timestamp.
func (d *driver) DeleteBSO(ctx context.Context, user syncstorage.UserID, collection string, id string) (ts syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := d.db.cache.LookupID(ctx, collection); err != nil {
		if syncstorage.ErrCollectionNotFound.Has(err) {
			return 0, syncstorage.ErrBsoNotFound.New("%s/%s", collection, id)
		}
		return 0, err
	}

	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts = d.Timestamp()

		var size int64
		err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
			`SELECT payload_size FROM bsos
			WHERE user_id = ? AND collection_id = ? AND id = ? AND expiry > ?`),
			user, cid, id, ts.AsMilliseconds()).Scan(&size)
		if err == sql.ErrNoRows {
			return syncstorage.ErrBsoNotFound.New("%s/%s", collection, id)
		}
		if err != nil {
			return d.translate(err)
		}

		_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(
			`DELETE FROM bsos WHERE user_id = ? AND collection_id = ? AND id = ?`),
			user, cid, id)
		if err != nil {
			return d.translate(err)
		}
		return d.bumpCollection(ctx, user, cid, ts, -1, -size)
	})
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// DeleteCollection removes the named ids, or the whole collection when ids
// is empty. Dropping the whole collection removes its bookkeeping row so it
// disappears from the info listings. When nothing matched the collection is
// untouched and ErrCollectionNotFound is returned.
func (d *driver) DeleteCollection(ctx context.Context, user syncstorage.UserID, collection string, ids []string) (ts syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := d.db.cache.LookupID(ctx, collection); err != nil {
		return 0, err
	}

	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts = d.Timestamp()

		if len(ids) == 0 {
			var removed int64
			for _, stmt := range []string{
				`DELETE FROM bsos WHERE user_id = ? AND collection_id = ?`,
				`DELETE FROM batch_upload_items WHERE user_id = ? AND collection_id = ?`,
				`DELETE FROM batches WHERE user_id = ? AND collection_id = ?`,
				`DELETE FROM user_collections WHERE user_id = ? AND collection_id = ?`,
			} {
				res, err := d.querier().ExecContext(ctx, d.db.dialect.rebind(stmt), user, cid)
				if err != nil {
					return d.translate(err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return d.translate(err)
				}
				removed += n
			}
			if removed == 0 {
				return syncstorage.ErrCollectionNotFound.New("%s", collection)
			}
			return nil
		}

		in := `id IN (` + placeholders(len(ids)) + `)`
		args := []interface{}{user, cid}
		for _, id := range ids {
			args = append(args, id)
		}

		var bytes, count int64
		err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
			`SELECT COALESCE(SUM(payload_size), 0), COUNT(id) FROM bsos
			WHERE user_id = ? AND collection_id = ? AND `+in+` AND expiry > ?`),
			append(append([]interface{}{}, args...), ts.AsMilliseconds())...).Scan(&bytes, &count)
		if err != nil {
			return d.translate(err)
		}
		if count == 0 {
			// no bump either, or an untouched collection would surface
			// in the info listings
			return syncstorage.ErrCollectionNotFound.New("%s", collection)
		}

		_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(
			`DELETE FROM bsos WHERE user_id = ? AND collection_id = ? AND `+in), args...)
		if err != nil {
			return d.translate(err)
		}
		return d.bumpCollection(ctx, user, cid, ts, -count, -bytes)
	})
	if err != nil {
		return 0, err
	}
	return ts, nil
}

// DeleteStorage removes every row the user owns across all collections.
func (d *driver) DeleteStorage(ctx context.Context, user syncstorage.UserID) (ts syncts.Timestamp, err error) {
	defer mon.Task()(&ctx)(&err)

	ts = d.Timestamp()
	owned := d.tx == nil
	if owned {
		d.tx, err = d.conn.BeginTx(ctx, nil)
		if err != nil {
			return 0, d.translate(err)
		}
	}

	for _, stmt := range []string{
		`DELETE FROM bsos WHERE user_id = ?`,
		`DELETE FROM batch_upload_items WHERE user_id = ?`,
		`DELETE FROM batches WHERE user_id = ?`,
		`DELETE FROM user_collections WHERE user_id = ?`,
	} {
		if _, err := d.querier().ExecContext(ctx, d.db.dialect.rebind(stmt), user); err != nil {
			if owned {
				_ = d.Rollback(ctx)
			}
			return 0, d.translate(err)
		}
	}
	if owned {
		if err := d.Commit(ctx); err != nil {
			return 0, err
		}
	}
	return ts, nil
}

// applyRecord merges one record into its stored row under the write lock,
// returning the count and byte deltas for the collection counters.
func (d *driver) applyRecord(ctx context.Context, user syncstorage.UserID, cid int32, ts syncts.Timestamp, record syncstorage.Record) (deltaCount, deltaBytes int64, err error) {
	var oldSize int64
	var oldExpiry int64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT payload_size, expiry FROM bsos
		WHERE user_id = ? AND collection_id = ? AND id = ?`),
		user, cid, record.ID).Scan(&oldSize, &oldExpiry)
	if err != nil && err != sql.ErrNoRows {
		return 0, 0, d.translate(err)
	}
	exists := err == nil
	alive := exists && oldExpiry > ts.AsMilliseconds()

	if alive {
		set := []string{`modified = ?`}
		args := []interface{}{ts.AsMilliseconds()}
		if record.Payload != nil {
			set = append(set, `payload = ?`, `payload_size = ?`)
			args = append(args, *record.Payload, int64(len(*record.Payload)))
			deltaBytes = int64(len(*record.Payload)) - oldSize
		}
		if record.SortIndex != nil {
			set = append(set, `sortindex = ?`)
			args = append(args, *record.SortIndex)
		}
		if record.TTL != nil {
			set = append(set, `expiry = ?`)
			args = append(args, expiryFor(ts, record.TTL))
		}
		args = append(args, user, cid, record.ID)
		_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(
			`UPDATE bsos SET `+strings.Join(set, `, `)+
				` WHERE user_id = ? AND collection_id = ? AND id = ?`), args...)
		if err != nil {
			return 0, 0, d.translate(err)
		}
		return 0, deltaBytes, nil
	}

	payload := ""
	if record.Payload != nil {
		payload = *record.Payload
	}
	var sortindex interface{}
	if record.SortIndex != nil {
		sortindex = *record.SortIndex
	}
	size := int64(len(payload))
	_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(d.db.dialect.upsertBSO()),
		user, cid, record.ID, sortindex, payload, size, ts.AsMilliseconds(), expiryFor(ts, record.TTL))
	if err != nil {
		return 0, 0, d.translate(err)
	}
	if exists {
		// overwrote an expired row the purger had not reclaimed yet
		return 0, size - oldSize, nil
	}
	return 1, size, nil
}

// bumpCollection applies counter deltas and the new modified timestamp to
// the collection's bookkeeping row.
func (d *driver) bumpCollection(ctx context.Context, user syncstorage.UserID, cid int32, ts syncts.Timestamp, deltaCount, deltaBytes int64) error {
	var count, bytes int64
	err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT count, total_bytes FROM user_collections
		WHERE user_id = ? AND collection_id = ?`), user, cid).Scan(&count, &bytes)
	if err != nil && err != sql.ErrNoRows {
		return d.translate(err)
	}
	count += deltaCount
	bytes += deltaBytes
	if count < 0 {
		count = 0
	}
	if bytes < 0 {
		bytes = 0
	}
	_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(d.db.dialect.upsertUserCollection()),
		user, cid, ts.AsMilliseconds(), count, bytes)
	return d.translate(err)
}

// checkQuota rejects the write when it would push the user over the quota
// and enforcement is on; when only tracking, it counts the overage.
func (d *driver) checkQuota(ctx context.Context, user syncstorage.UserID, addedBytes int64) error {
	if !d.db.quota.Enabled || d.db.limits.MaxQuotaLimit <= 0 {
		return nil
	}
	var total sql.NullInt64
	err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT SUM(total_bytes) FROM user_collections WHERE user_id = ?`), user).Scan(&total)
	if err != nil {
		return d.translate(err)
	}
	if total.Int64+addedBytes <= d.db.limits.MaxQuotaLimit {
		return nil
	}
	if d.db.quota.Enforced {
		return syncstorage.ErrQuota.New("usage %d + %d exceeds %d bytes",
			total.Int64, addedBytes, d.db.limits.MaxQuotaLimit)
	}
	mon.Event("quota_exceeded")
	return nil
}

func (d *driver) validateRecord(record syncstorage.Record) (reason string, ok bool) {
	if !syncstorage.ValidBSOID(record.ID) {
		return "invalid id", false
	}
	if record.Payload != nil && len(*record.Payload) > d.db.limits.MaxRecordPayloadBytes {
		return "payload too large", false
	}
	if record.TTL != nil && *record.TTL < 0 {
		return "invalid ttl", false
	}
	return "", true
}

func payloadSize(record syncstorage.Record) int64 {
	if record.Payload == nil {
		return 0
	}
	return int64(len(*record.Payload))
}

// expiryFor resolves a relative ttl against the write timestamp; a nil ttl
// never expires.
func expiryFor(ts syncts.Timestamp, ttl *int64) int64 {
	if ttl == nil {
		return syncstorage.NoExpiry
	}
	if *ttl >= (syncstorage.NoExpiry-ts.AsMilliseconds())/1000 {
		return syncstorage.NoExpiry
	}
	return ts.AsMilliseconds() + *ttl*1000
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
