// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package storagedb

import (
	"github.com/mozilla-services/syncstorage/internal/migrate"
)

// Migration returns the storage schema migration. Collection ids are
// assigned by CreateCollection, so the id column carries no autoincrement.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: "storage_versions",
		Steps: []*migrate.Step{
			{
				Description: "initial storage schema",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE collections (
						id INT NOT NULL PRIMARY KEY,
						name VARCHAR(32) NOT NULL UNIQUE
					)`,
					`CREATE TABLE bsos (
						user_id BIGINT NOT NULL,
						collection_id INT NOT NULL,
						id VARCHAR(64) NOT NULL,
						sortindex INT,
						payload TEXT NOT NULL,
						payload_size BIGINT NOT NULL DEFAULT 0,
						modified BIGINT NOT NULL,
						expiry BIGINT NOT NULL,
						PRIMARY KEY (user_id, collection_id, id)
					)`,
					`CREATE INDEX bsos_modified ON bsos (user_id, collection_id, modified)`,
					`CREATE INDEX bsos_expiry ON bsos (expiry)`,
					`CREATE TABLE user_collections (
						user_id BIGINT NOT NULL,
						collection_id INT NOT NULL,
						modified BIGINT NOT NULL,
						count BIGINT NOT NULL DEFAULT 0,
						total_bytes BIGINT NOT NULL DEFAULT 0,
						PRIMARY KEY (user_id, collection_id)
					)`,
					`CREATE TABLE batches (
						batch_id BIGINT NOT NULL,
						user_id BIGINT NOT NULL,
						collection_id INT NOT NULL,
						expiry BIGINT NOT NULL,
						PRIMARY KEY (user_id, collection_id, batch_id)
					)`,
					`CREATE TABLE batch_upload_items (
						batch_id BIGINT NOT NULL,
						user_id BIGINT NOT NULL,
						collection_id INT NOT NULL,
						id VARCHAR(64) NOT NULL,
						sortindex INT,
						payload TEXT,
						payload_size BIGINT,
						ttl_offset BIGINT,
						PRIMARY KEY (batch_id, user_id, collection_id, id)
					)`,
				},
			},
			{
				Description: "seed well-known collections",
				Version:     2,
				Action: migrate.SQL{
					`INSERT INTO collections (id, name) VALUES
						(1, 'clients'), (2, 'crypto'), (3, 'forms'), (4, 'history'),
						(5, 'keys'), (6, 'meta'), (7, 'bookmarks'), (8, 'prefs'),
						(9, 'tabs'), (10, 'passwords'), (11, 'addons'),
						(12, 'addresses'), (13, 'creditcards')`,
				},
			},
		},
	}
}
