// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"context"
	"database/sql"

	"github.com/mozilla-services/syncstorage/pkg/syncts"
	"github.com/mozilla-services/syncstorage/syncstorage"
)

// CreateBatch opens a new batch seeded with records and returns its id. The
// id is the creation timestamp, nudged forward when the same session
// somehow opens two batches inside one resolution step.
func (d *driver) CreateBatch(ctx context.Context, user syncstorage.UserID, collection string, records []syncstorage.Record) (id syncstorage.BatchID, err error) {
	defer mon.Task()(&ctx)(&err)

	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts := d.Timestamp()
		id = syncstorage.BatchID(ts.AsMilliseconds())
		for {
			var one int
			err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
				`SELECT 1 FROM batches WHERE user_id = ? AND collection_id = ? AND batch_id = ?`),
				user, cid, id).Scan(&one)
			if err == sql.ErrNoRows {
				break
			}
			if err != nil {
				return d.translate(err)
			}
			id += syncstorage.BatchID(syncts.Resolution)
		}

		expiry := ts.Add(syncstorage.BatchLifetime).AsMilliseconds()
		_, err := d.querier().ExecContext(ctx, d.db.dialect.rebind(
			`INSERT INTO batches (batch_id, user_id, collection_id, expiry) VALUES (?, ?, ?, ?)`),
			id, user, cid, expiry)
		if err != nil {
			return d.translate(err)
		}
		return d.appendItems(ctx, user, cid, id, records)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ValidateBatch reports whether the batch exists and is still appendable.
func (d *driver) ValidateBatch(ctx context.Context, user syncstorage.UserID, collection string, id syncstorage.BatchID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var expiry int64
	err = d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT expiry FROM batches WHERE user_id = ? AND collection_id = ? AND batch_id = ?`),
		user, cid, id).Scan(&expiry)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, d.translate(err)
	}
	return expiry > d.Timestamp().AsMilliseconds(), nil
}

// AppendToBatch stages more records into an open batch. Re-sent ids
// overwrite their earlier staging.
func (d *driver) AppendToBatch(ctx context.Context, user syncstorage.UserID, collection string, id syncstorage.BatchID, records []syncstorage.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	return d.withWriteLock(ctx, user, collection, func(cid int32) error {
		if err := d.requireBatch(ctx, user, cid, id); err != nil {
			return err
		}
		return d.appendItems(ctx, user, cid, id, records)
	})
}

// GetBatch loads the accumulated contents of an open batch. A batch that
// does not exist or has expired reads as nil, not as an error.
func (d *driver) GetBatch(ctx context.Context, user syncstorage.UserID, collection string, id syncstorage.BatchID) (_ *syncstorage.Batch, err error) {
	defer mon.Task()(&ctx)(&err)

	cid, err := d.db.cache.LookupID(ctx, collection)
	if syncstorage.ErrCollectionNotFound.Has(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := d.requireBatch(ctx, user, cid, id); err != nil {
		if syncstorage.ErrBatchNotFound.Has(err) {
			return nil, nil
		}
		return nil, err
	}

	rows, err := d.querier().QueryContext(ctx, d.db.dialect.rebind(
		`SELECT id, sortindex, payload, ttl_offset FROM batch_upload_items
		WHERE batch_id = ? AND user_id = ? AND collection_id = ?
		ORDER BY id`), id, user, cid)
	if err != nil {
		return nil, d.translate(err)
	}
	defer func() { _ = rows.Close() }()

	batch := &syncstorage.Batch{ID: id}
	for rows.Next() {
		var record syncstorage.Record
		var sortindex, ttl sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&record.ID, &sortindex, &payload, &ttl); err != nil {
			return nil, d.translate(err)
		}
		if sortindex.Valid {
			v := int32(sortindex.Int64)
			record.SortIndex = &v
		}
		if payload.Valid {
			v := payload.String
			record.Payload = &v
		}
		if ttl.Valid {
			v := ttl.Int64
			record.TTL = &v
		}
		batch.Records = append(batch.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, d.translate(err)
	}
	return batch, nil
}

// CommitBatch merges the batch contents into the collection at the commit
// timestamp and discards the batch. Relative ttls are resolved against the
// commit timestamp, not the staging time.
func (d *driver) CommitBatch(ctx context.Context, user syncstorage.UserID, collection string, batch *syncstorage.Batch) (_ *syncstorage.PostResults, err error) {
	defer mon.Task()(&ctx)(&err)

	results := &syncstorage.PostResults{Failed: make(map[string]string)}
	err = d.withWriteLock(ctx, user, collection, func(cid int32) error {
		ts := d.Timestamp()
		results.Modified = ts

		if err := d.requireBatch(ctx, user, cid, batch.ID); err != nil {
			return err
		}

		var added int64
		for _, record := range batch.Records {
			added += payloadSize(record)
		}
		if err := d.checkQuota(ctx, user, added); err != nil {
			return err
		}

		var deltaCount, deltaBytes int64
		for _, record := range batch.Records {
			dc, db, err := d.applyRecord(ctx, user, cid, ts, record)
			if err != nil {
				return err
			}
			deltaCount += dc
			deltaBytes += db
			results.Success = append(results.Success, record.ID)
		}
		if err := d.bumpCollection(ctx, user, cid, ts, deltaCount, deltaBytes); err != nil {
			return err
		}
		return d.dropBatch(ctx, user, cid, batch.ID)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// DeleteBatch discards an open batch. Deleting an unknown batch is not an
// error.
func (d *driver) DeleteBatch(ctx context.Context, user syncstorage.UserID, collection string, id syncstorage.BatchID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := d.db.cache.LookupID(ctx, collection); err != nil {
		if syncstorage.ErrCollectionNotFound.Has(err) {
			return nil
		}
		return err
	}
	return d.withWriteLock(ctx, user, collection, func(cid int32) error {
		return d.dropBatch(ctx, user, cid, id)
	})
}

// requireBatch verifies the batch exists and has not expired at the session
// timestamp.
func (d *driver) requireBatch(ctx context.Context, user syncstorage.UserID, cid int32, id syncstorage.BatchID) error {
	var expiry int64
	err := d.querier().QueryRowContext(ctx, d.db.dialect.rebind(
		`SELECT expiry FROM batches WHERE user_id = ? AND collection_id = ? AND batch_id = ?`),
		user, cid, id).Scan(&expiry)
	if err == sql.ErrNoRows {
		return syncstorage.ErrBatchNotFound.New("%d", id)
	}
	if err != nil {
		return d.translate(err)
	}
	if expiry <= d.Timestamp().AsMilliseconds() {
		return syncstorage.ErrBatchNotFound.New("%d expired", id)
	}
	return nil
}

func (d *driver) appendItems(ctx context.Context, user syncstorage.UserID, cid int32, id syncstorage.BatchID, records []syncstorage.Record) error {
	stmt := d.db.dialect.rebind(d.db.dialect.upsertBatchItem())
	for _, record := range records {
		var sortindex, payload, size, ttl interface{}
		if record.SortIndex != nil {
			sortindex = *record.SortIndex
		}
		if record.Payload != nil {
			payload = *record.Payload
			size = int64(len(*record.Payload))
		}
		if record.TTL != nil {
			ttl = *record.TTL
		}
		_, err := d.querier().ExecContext(ctx, stmt,
			id, user, cid, record.ID, sortindex, payload, size, ttl)
		if err != nil {
			return d.translate(err)
		}
	}
	return nil
}

func (d *driver) dropBatch(ctx context.Context, user syncstorage.UserID, cid int32, id syncstorage.BatchID) error {
	_, err := d.querier().ExecContext(ctx, d.db.dialect.rebind(
		`DELETE FROM batch_upload_items WHERE batch_id = ? AND user_id = ? AND collection_id = ?`),
		id, user, cid)
	if err != nil {
		return d.translate(err)
	}
	_, err = d.querier().ExecContext(ctx, d.db.dialect.rebind(
		`DELETE FROM batches WHERE user_id = ? AND collection_id = ? AND batch_id = ?`),
		user, cid, id)
	return d.translate(err)
}
