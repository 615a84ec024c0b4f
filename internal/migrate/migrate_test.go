// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package migrate_test

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mozilla-services/syncstorage/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// a second pooled connection would see a different in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunApplies(t *testing.T) {
	db := openDB(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "initial tables",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE users (id INTEGER PRIMARY KEY)`,
				},
			},
			{
				Description: "seed user",
				Version:     2,
				Action: migrate.SQL{
					`INSERT INTO users (id) VALUES (1)`,
				},
			},
		},
	}

	require.NoError(t, m.Run(zaptest.NewLogger(t), db))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Equal(t, 1, count)

	version, err := m.CurrentVersion(db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	// re-running is a no-op
	require.NoError(t, m.Run(zaptest.NewLogger(t), db))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRunRejectsDecreasingVersions(t *testing.T) {
	db := openDB(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{Version: 2, Action: migrate.SQL{`CREATE TABLE a (x INT)`}},
			{Version: 1, Action: migrate.SQL{`CREATE TABLE b (x INT)`}},
		},
	}

	err := m.Run(zaptest.NewLogger(t), db)
	assert.True(t, migrate.Error.Has(err))
}

func TestRunRollsBackFailedStep(t *testing.T) {
	db := openDB(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{Version: 1, Action: migrate.SQL{`THIS IS NOT SQL`}},
		},
	}

	err := m.Run(zaptest.NewLogger(t), db)
	require.Error(t, err)

	version, err := m.CurrentVersion(db)
	require.NoError(t, err)
	assert.Equal(t, -1, version)
}
