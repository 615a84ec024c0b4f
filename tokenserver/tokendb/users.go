// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokendb

import (
	"context"
	"database/sql"

	"github.com/mozilla-services/syncstorage/internal/dbutil"
)

// User is an assignment record: which storage node serves an account, under
// which key material. Exactly one record per (service, email) is live; the
// rest carry a replaced_at stamp and exist so retired client states can be
// recognized.
type User struct {
	UID           int64
	ServiceID     int64
	Email         string
	Generation    int64
	KeysChangedAt *int64
	ClientState   string
	NodeID        int64
	Node          string
	CreatedAt     int64
	ReplacedAt    *int64

	OldClientStates []string
}

// GetUser returns the live assignment record for (service, email), or
// ErrUserNotFound.
func (db *DB) GetUser(ctx context.Context, serviceID int64, email string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := db.currentUser(ctx, tx, serviceID, email, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

// GetOrCreateUser returns the live assignment record, creating one on a
// freshly allocated node for a first-seen account. It enforces that
// generation and keys_changed_at never move backwards, and rotates the
// record onto a new uid when the client state changes.
func (db *DB) GetOrCreateUser(ctx context.Context, serviceID int64, email string, generation int64, keysChangedAt *int64, clientState string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := db.currentUser(ctx, tx, serviceID, email, true)
	if err != nil && !ErrUserNotFound.Has(err) {
		return nil, err
	}

	var user *User
	switch {
	case current == nil:
		user, err = db.createUser(ctx, tx, serviceID, email, generation, keysChangedAt, clientState)

	case generation < current.Generation:
		err = ErrInvalidGeneration.New("%d < %d", generation, current.Generation)

	case coalesce(keysChangedAt) < coalesce(current.KeysChangedAt):
		err = ErrInvalidKeysChangedAt.New("%d < %d", coalesce(keysChangedAt), coalesce(current.KeysChangedAt))

	case clientState != current.ClientState:
		user, err = db.rotateUser(ctx, tx, current, generation, keysChangedAt, clientState)

	default:
		user, err = db.advanceUser(ctx, tx, current, generation, keysChangedAt)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

// ReplaceUser retires every live record for (service, email). The next
// token request allocates a fresh uid.
func (db *DB) ReplaceUser(ctx context.Context, serviceID int64, email string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.sqlDB.ExecContext(ctx, db.rebind(
		`UPDATE users SET replaced_at = ? WHERE service = ? AND email = ? AND replaced_at IS NULL`),
		nowMillis(), serviceID, email)
	return Error.Wrap(err)
}

// currentUser loads the newest live record plus its retired client states.
func (db *DB) currentUser(ctx context.Context, tx *sql.Tx, serviceID int64, email string, forUpdate bool) (*User, error) {
	query := `SELECT u.uid, u.generation, u.keys_changed_at, u.client_state,
			u.created_at, u.nodeid, n.node
		FROM users u JOIN nodes n ON n.id = u.nodeid
		WHERE u.service = ? AND u.email = ? AND u.replaced_at IS NULL
		ORDER BY u.created_at DESC, u.uid DESC`
	if forUpdate {
		query += dbutil.ForUpdate(db.impl)
	}

	user := &User{ServiceID: serviceID, Email: email}
	var keysChangedAt sql.NullInt64
	err := tx.QueryRowContext(ctx, db.rebind(query), serviceID, email).Scan(
		&user.UID, &user.Generation, &keysChangedAt, &user.ClientState,
		&user.CreatedAt, &user.NodeID, &user.Node)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound.New("%q", email)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if keysChangedAt.Valid {
		v := keysChangedAt.Int64
		user.KeysChangedAt = &v
	}

	rows, err := tx.QueryContext(ctx, db.rebind(
		`SELECT DISTINCT client_state FROM users
		WHERE service = ? AND email = ? AND replaced_at IS NOT NULL AND client_state <> ?`),
		serviceID, email, user.ClientState)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, Error.Wrap(err)
		}
		user.OldClientStates = append(user.OldClientStates, state)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

func (db *DB) createUser(ctx context.Context, tx *sql.Tx, serviceID int64, email string, generation int64, keysChangedAt *int64, clientState string) (*User, error) {
	node, err := db.bestNode(ctx, tx, serviceID)
	if err != nil {
		return nil, err
	}
	return db.insertUser(ctx, tx, serviceID, email, generation, keysChangedAt, clientState, node, nil)
}

// rotateUser retires the current record and assigns a fresh uid on a newly
// selected node. The retired client state must never come back.
func (db *DB) rotateUser(ctx context.Context, tx *sql.Tx, current *User, generation int64, keysChangedAt *int64, clientState string) (*User, error) {
	for _, old := range current.OldClientStates {
		if clientState == old {
			return nil, ErrInvalidClientState.New("%q was retired", clientState)
		}
	}

	_, err := tx.ExecContext(ctx, db.rebind(
		`UPDATE users SET replaced_at = ? WHERE service = ? AND email = ? AND replaced_at IS NULL`),
		nowMillis(), current.ServiceID, current.Email)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	node, err := db.bestNode(ctx, tx, current.ServiceID)
	if err != nil {
		return nil, err
	}

	if generation < current.Generation {
		generation = current.Generation
	}
	if coalesce(keysChangedAt) < coalesce(current.KeysChangedAt) {
		keysChangedAt = current.KeysChangedAt
	}
	oldStates := append(append([]string{}, current.OldClientStates...), current.ClientState)
	return db.insertUser(ctx, tx, current.ServiceID, current.Email, generation, keysChangedAt, clientState, node, oldStates)
}

// advanceUser moves the stored generation and keys_changed_at forward when
// the request carries newer values. The WHERE guard keeps a racing older
// writer from ever winning.
func (db *DB) advanceUser(ctx context.Context, tx *sql.Tx, current *User, generation int64, keysChangedAt *int64) (*User, error) {
	if generation <= current.Generation && coalesce(keysChangedAt) <= coalesce(current.KeysChangedAt) {
		return current, nil
	}
	if generation < current.Generation {
		generation = current.Generation
	}
	if coalesce(keysChangedAt) < coalesce(current.KeysChangedAt) {
		keysChangedAt = current.KeysChangedAt
	}

	var keys interface{}
	if keysChangedAt != nil {
		keys = *keysChangedAt
	}
	_, err := tx.ExecContext(ctx, db.rebind(
		`UPDATE users SET generation = ?, keys_changed_at = ?
		WHERE service = ? AND email = ? AND replaced_at IS NULL
		AND generation <= ? AND COALESCE(keys_changed_at, 0) <= COALESCE(?, keys_changed_at, 0)`),
		generation, keys, current.ServiceID, current.Email, generation, keys)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	current.Generation = generation
	current.KeysChangedAt = keysChangedAt
	return current, nil
}

func (db *DB) insertUser(ctx context.Context, tx *sql.Tx, serviceID int64, email string, generation int64, keysChangedAt *int64, clientState string, node *Node, oldStates []string) (*User, error) {
	var uid sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(uid) FROM users`).Scan(&uid)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	user := &User{
		UID:             uid.Int64 + 1,
		ServiceID:       serviceID,
		Email:           email,
		Generation:      generation,
		KeysChangedAt:   keysChangedAt,
		ClientState:     clientState,
		NodeID:          node.ID,
		Node:            node.Node,
		CreatedAt:       nowMillis(),
		OldClientStates: oldStates,
	}

	var keys interface{}
	if keysChangedAt != nil {
		keys = *keysChangedAt
	}
	_, err = tx.ExecContext(ctx, db.rebind(
		`INSERT INTO users (uid, service, email, generation, client_state, created_at, nodeid, keys_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user.UID, serviceID, email, generation, clientState, user.CreatedAt, node.ID, keys)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return user, nil
}

func coalesce(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
