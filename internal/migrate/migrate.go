// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

// Package migrate implements versioned SQL schema migrations tracked in a
// versions table.
package migrate

import (
	"database/sql"
	"strconv"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class of migration errors.
var Error = errs.Class("migrate")

// DB is the minimal database surface a migration runs against.
type DB interface {
	Begin() (*sql.Tx, error)
}

// Action is a single step operation.
type Action interface {
	Run(log *zap.Logger, db DB, tx *sql.Tx) error
}

// SQL is an Action executing a list of statements.
type SQL []string

// Run executes the statements inside tx.
func (sql SQL) Run(log *zap.Logger, db DB, tx *sql.Tx) error {
	for _, query := range sql {
		_, err := tx.Exec(query)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func wraps a Go function as an Action.
type Func func(log *zap.Logger, db DB, tx *sql.Tx) error

// Run calls the function.
func (f Func) Run(log *zap.Logger, db DB, tx *sql.Tx) error {
	return f(log, db, tx)
}

// Step is one version upgrade.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered list of steps sharing a versions table.
type Migration struct {
	Table string
	Steps []*Step
}

// Run applies every step newer than the current recorded version, each in
// its own transaction.
func (migration *Migration) Run(log *zap.Logger, db DB) error {
	if migration.Table == "" {
		return Error.New("migration table not set")
	}

	err := migration.ensureVersionTable(db)
	if err != nil {
		return err
	}

	version, err := migration.currentVersion(db)
	if err != nil {
		return err
	}

	last := -1
	for _, step := range migration.Steps {
		if step.Version <= last {
			return Error.New("steps have decreasing versions: %d after %d", step.Version, last)
		}
		last = step.Version

		if step.Version <= version {
			continue
		}

		log.Info("running migration step",
			zap.Int("version", step.Version),
			zap.String("description", step.Description),
		)

		tx, err := db.Begin()
		if err != nil {
			return Error.Wrap(err)
		}

		err = step.Action.Run(log, db, tx)
		if err == nil {
			_, err = tx.Exec(
				`INSERT INTO `+migration.Table+` (version) VALUES (`+strconv.Itoa(step.Version)+`)`)
			err = Error.Wrap(err)
		}
		if err != nil {
			return errs.Combine(err, Error.Wrap(tx.Rollback()))
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

// CurrentVersion returns the latest applied version, or -1 when none.
func (migration *Migration) CurrentVersion(db DB) (int, error) {
	if err := migration.ensureVersionTable(db); err != nil {
		return -1, err
	}
	return migration.currentVersion(db)
}

func (migration *Migration) ensureVersionTable(db DB) error {
	tx, err := db.Begin()
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = tx.Exec(`CREATE TABLE IF NOT EXISTS ` + migration.Table + ` (version INT NOT NULL)`)
	if err != nil {
		return errs.Combine(Error.Wrap(err), Error.Wrap(tx.Rollback()))
	}
	return Error.Wrap(tx.Commit())
}

func (migration *Migration) currentVersion(db DB) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return -1, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	var version sql.NullInt64
	err = tx.QueryRow(`SELECT MAX(version) FROM ` + migration.Table).Scan(&version)
	if err != nil {
		return -1, Error.Wrap(err)
	}
	if !version.Valid {
		return -1, nil
	}
	return int(version.Int64), nil
}
