// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package dbutil holds shared helpers for opening and tuning SQL databases.
package dbutil

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class of dbutil errors.
var Error = errs.Class("dbutil")

// Implementation identifies the database engine behind a connection string.
type Implementation int

const (
	// Unknown is an unrecognized engine.
	Unknown Implementation = iota
	// SQLite3 is a file or in-memory sqlite database.
	SQLite3
	// MySQL is a MySQL or compatible server.
	MySQL
	// Postgres is a PostgreSQL server.
	Postgres
	// Spanner is Google Cloud Spanner.
	Spanner
)

func (impl Implementation) String() string {
	switch impl {
	case SQLite3:
		return "sqlite3"
	case MySQL:
		return "mysql"
	case Postgres:
		return "postgres"
	case Spanner:
		return "spanner"
	}
	return "unknown"
}

// SplitConnStr separates a database URL into the driver name, the source
// string handed to sql.Open, and the engine implementation.
func SplitConnStr(url string) (driver, source string, impl Implementation, err error) {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return "", "", Unknown, Error.New("could not parse database URL %q", url)
	}
	scheme, rest := url[:idx], url[idx+3:]

	switch scheme {
	case "sqlite", "sqlite3":
		return "sqlite3", rest, SQLite3, nil
	case "mysql":
		// the mysql driver takes a DSN, not a URL
		return "mysql", rest, MySQL, nil
	case "postgres", "postgresql":
		return "postgres", url, Postgres, nil
	case "spanner":
		return "spanner", rest, Spanner, nil
	}
	return "", "", Unknown, Error.New("unsupported database scheme %q", scheme)
}
