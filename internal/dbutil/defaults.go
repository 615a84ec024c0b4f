// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package dbutil

import (
	"database/sql"
	"time"

	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

// Configure sets connection boundaries and adds db_stats monitoring to
// monkit.
func Configure(db *sql.DB, maxIdle, maxOpen int, maxLifetime time.Duration, mon *monkit.Scope) {
	if maxIdle >= 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxOpen >= 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxLifetime >= 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
	mon.Chain("db_stats", monkit.StatSourceFunc(
		func(cb func(name string, val float64)) {
			monkit.StatSourceFromStruct(db.Stats()).Stats(cb)
		}))
}
