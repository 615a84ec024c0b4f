// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mozilla-services/syncstorage/internal/dbutil"
)

// dialect captures the engine differences the shared SQL implementation
// has to care about: placeholder style, upsert syntax, row locking, index
// ordering, and which driver errors mean a lost lock race.
type dialect struct {
	impl dbutil.Implementation
}

// rebind rewrites ?-style placeholders into the engine's native style.
func (d dialect) rebind(query string) string { return dbutil.Rebind(d.impl, query) }

// forUpdate returns the suffix acquiring an exclusive row lock.
func (d dialect) forUpdate() string { return dbutil.ForUpdate(d.impl) }

// forShare returns the suffix acquiring a shared row lock.
func (d dialect) forShare() string { return dbutil.ForShare(d.impl) }

// upsertBSO is the statement writing a full bso row, replacing any
// previous row with the same key.
func (d dialect) upsertBSO() string {
	if d.impl == dbutil.MySQL {
		return `INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, payload_size, modified, expiry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				sortindex = VALUES(sortindex), payload = VALUES(payload),
				payload_size = VALUES(payload_size), modified = VALUES(modified),
				expiry = VALUES(expiry)`
	}
	return `INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, payload_size, modified, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, collection_id, id) DO UPDATE SET
			sortindex = excluded.sortindex, payload = excluded.payload,
			payload_size = excluded.payload_size, modified = excluded.modified,
			expiry = excluded.expiry`
}

// upsertUserCollection writes the per-collection bookkeeping row.
func (d dialect) upsertUserCollection() string {
	if d.impl == dbutil.MySQL {
		return `INSERT INTO user_collections (user_id, collection_id, modified, count, total_bytes)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				modified = VALUES(modified), count = VALUES(count),
				total_bytes = VALUES(total_bytes)`
	}
	return `INSERT INTO user_collections (user_id, collection_id, modified, count, total_bytes)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, collection_id) DO UPDATE SET
			modified = excluded.modified, count = excluded.count,
			total_bytes = excluded.total_bytes`
}

// upsertBatchItem stages a record into a batch, later appends of the same
// id overwriting earlier ones.
func (d dialect) upsertBatchItem() string {
	if d.impl == dbutil.MySQL {
		return `INSERT INTO batch_upload_items (batch_id, user_id, collection_id, id, sortindex, payload, payload_size, ttl_offset)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				sortindex = VALUES(sortindex), payload = VALUES(payload),
				payload_size = VALUES(payload_size), ttl_offset = VALUES(ttl_offset)`
	}
	return `INSERT INTO batch_upload_items (batch_id, user_id, collection_id, id, sortindex, payload, payload_size, ttl_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (batch_id, user_id, collection_id, id) DO UPDATE SET
			sortindex = excluded.sortindex, payload = excluded.payload,
			payload_size = excluded.payload_size, ttl_offset = excluded.ttl_offset`
}

// orderIndex is the ORDER BY clause for sort=index; sortindex descending
// with nulls after every value.
func (d dialect) orderIndex() string {
	if d.impl == dbutil.Postgres {
		return " ORDER BY sortindex DESC NULLS LAST, id DESC"
	}
	// sqlite and mysql both order NULLs last under DESC
	return " ORDER BY sortindex DESC, id DESC"
}

// isConflict reports whether err is the engine telling us we lost a lock
// race and the client should retry.
func (d dialect) isConflict(err error) bool {
	if err == nil {
		return false
	}
	switch d.impl {
	case dbutil.SQLite3:
		if e, ok := err.(sqlite3.Error); ok {
			return e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked
		}
	case dbutil.MySQL:
		if e, ok := err.(*mysql.MySQLError); ok {
			// 1213 deadlock, 1205 lock wait timeout
			return e.Number == 1213 || e.Number == 1205
		}
	case dbutil.Postgres:
		if e, ok := err.(*pq.Error); ok {
			return e.Code == "40001" || e.Code == "40P01" || e.Code == "55P03"
		}
	}
	return false
}
