// Copyright (C) 2024 Mozilla Services
// See LICENSE for copying information.

package tokendb

import (
	"context"
	"database/sql"
	"math"
	"strings"

	"github.com/zeebo/errs"
)

// Node is a storage node registered for a service.
type Node struct {
	ID          int64
	ServiceID   int64
	Node        string
	Available   int64
	CurrentLoad int64
	Capacity    int64
	Downed      bool
	Backoff     bool
}

// NodeUpdate carries the fields UpdateNode changes; nil fields stay as
// stored.
type NodeUpdate struct {
	Capacity    *int64
	Available   *int64
	CurrentLoad *int64
	Downed      *bool
	Backoff     *bool
}

// AddService registers a service and returns its id. The pattern is the
// endpoint template, e.g. "{node}/1.5/{uid}".
func (db *DB) AddService(ctx context.Context, service, pattern string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM services`).Scan(&max); err != nil {
		return 0, Error.Wrap(err)
	}
	id := max.Int64 + 1
	_, err = tx.ExecContext(ctx, db.rebind(
		`INSERT INTO services (id, service, pattern) VALUES (?, ?, ?)`), id, service, pattern)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// GetServiceID resolves a service name, e.g. "sync-1.5".
func (db *DB) GetServiceID(ctx context.Context, service string) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var id int64
	err = db.sqlDB.QueryRowContext(ctx, db.rebind(
		`SELECT id FROM services WHERE service = ?`), service).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrServiceNotFound.New("%q", service)
	}
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// GetServicePattern returns the endpoint template for a service id.
func (db *DB) GetServicePattern(ctx context.Context, serviceID int64) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var pattern string
	err = db.sqlDB.QueryRowContext(ctx, db.rebind(
		`SELECT pattern FROM services WHERE id = ?`), serviceID).Scan(&pattern)
	if err == sql.ErrNoRows {
		return "", ErrServiceNotFound.New("id %d", serviceID)
	}
	if err != nil {
		return "", Error.Wrap(err)
	}
	return pattern, nil
}

// AddNode registers a storage node with the given capacity and immediately
// available slots.
func (db *DB) AddNode(ctx context.Context, serviceID int64, node string, capacity, available int64) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM nodes`).Scan(&max); err != nil {
		return 0, Error.Wrap(err)
	}
	id := max.Int64 + 1
	_, err = tx.ExecContext(ctx, db.rebind(
		`INSERT INTO nodes (id, service, node, available, current_load, capacity, downed, backoff)
		VALUES (?, ?, ?, ?, 0, ?, 0, 0)`), id, serviceID, node, available, capacity)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, Error.Wrap(err)
	}
	return id, nil
}

// GetNode returns the registered node record.
func (db *DB) GetNode(ctx context.Context, serviceID int64, node string) (_ *Node, err error) {
	defer mon.Task()(&ctx)(&err)

	n := &Node{ServiceID: serviceID, Node: node}
	var downed, backoff int64
	err = db.sqlDB.QueryRowContext(ctx, db.rebind(
		`SELECT id, available, current_load, capacity, downed, backoff
		FROM nodes WHERE service = ? AND node = ?`), serviceID, node).
		Scan(&n.ID, &n.Available, &n.CurrentLoad, &n.Capacity, &downed, &backoff)
	if err == sql.ErrNoRows {
		return nil, ErrNodeNotFound.New("%q", node)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	n.Downed = downed != 0
	n.Backoff = backoff != 0
	return n, nil
}

// UpdateNode applies the non-nil fields of update to a registered node.
func (db *DB) UpdateNode(ctx context.Context, serviceID int64, node string, update NodeUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	set := []string{}
	args := []interface{}{}
	if update.Capacity != nil {
		set = append(set, `capacity = ?`)
		args = append(args, *update.Capacity)
	}
	if update.Available != nil {
		set = append(set, `available = ?`)
		args = append(args, *update.Available)
	}
	if update.CurrentLoad != nil {
		set = append(set, `current_load = ?`)
		args = append(args, *update.CurrentLoad)
	}
	if update.Downed != nil {
		set = append(set, `downed = ?`)
		args = append(args, boolInt(*update.Downed))
	}
	if update.Backoff != nil {
		set = append(set, `backoff = ?`)
		args = append(args, boolInt(*update.Backoff))
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, serviceID, node)

	res, err := db.sqlDB.ExecContext(ctx, db.rebind(
		`UPDATE nodes SET `+strings.Join(set, ", ")+` WHERE service = ? AND node = ?`), args...)
	if err != nil {
		return Error.Wrap(err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNodeNotFound.New("%q", node)
	}
	return nil
}

// RemoveNode unregisters a node. Users assigned to it keep their records;
// their next client-state rotation moves them elsewhere.
func (db *DB) RemoveNode(ctx context.Context, serviceID int64, node string) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.sqlDB.ExecContext(ctx, db.rebind(
		`DELETE FROM nodes WHERE service = ? AND node = ?`), serviceID, node)
	if err != nil {
		return Error.Wrap(err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNodeNotFound.New("%q", node)
	}
	return nil
}

// GetBestNode selects the least-loaded healthy node and claims one slot on
// it.
func (db *DB) GetBestNode(ctx context.Context, serviceID int64) (_ *Node, err error) {
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

	node, err := db.bestNode(ctx, tx, serviceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, Error.Wrap(err)
	}
	return node, nil
}

// bestNode ranks healthy nodes by log(current_load)/log(capacity) and picks
// the smallest. When every node reads as full it releases capacity at the
// configured rate and tries once more.
func (db *DB) bestNode(ctx context.Context, tx *sql.Tx, serviceID int64) (*Node, error) {
	node, err := db.pickNode(ctx, tx, serviceID)
	if ErrNoAvailableNodes.Has(err) {
		if err := db.releaseCapacity(ctx, tx, serviceID); err != nil {
			return nil, err
		}
		node, err = db.pickNode(ctx, tx, serviceID)
	}
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, db.rebind(
		`UPDATE nodes SET current_load = current_load + 1, available = available - 1 WHERE id = ?`),
		node.ID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	node.CurrentLoad++
	node.Available--
	return node, nil
}

func (db *DB) pickNode(ctx context.Context, tx *sql.Tx, serviceID int64) (*Node, error) {
	rows, err := tx.QueryContext(ctx, db.rebind(
		`SELECT id, node, available, current_load, capacity FROM nodes
		WHERE service = ? AND available > 0 AND capacity > current_load
		AND downed = 0 AND backoff = 0`), serviceID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var best *Node
	bestRatio := math.Inf(1)
	for rows.Next() {
		n := &Node{ServiceID: serviceID}
		if err := rows.Scan(&n.ID, &n.Node, &n.Available, &n.CurrentLoad, &n.Capacity); err != nil {
			return nil, Error.Wrap(err)
		}
		ratio := math.Log(float64(n.CurrentLoad)) / math.Log(float64(n.Capacity))
		if best == nil || ratio < bestRatio {
			best, bestRatio = n, ratio
		}
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	if best == nil {
		return nil, ErrNoAvailableNodes.New("service %d", serviceID)
	}
	return best, nil
}

// releaseCapacity tops up available slots on full-but-not-exhausted nodes:
// available = min(capacity * rate, capacity - current_load).
func (db *DB) releaseCapacity(ctx context.Context, tx *sql.Tx, serviceID int64) error {
	rows, err := tx.QueryContext(ctx, db.rebind(
		`SELECT id, current_load, capacity FROM nodes
		WHERE service = ? AND available <= 0 AND capacity > current_load
		AND downed = 0 AND backoff = 0`), serviceID)
	if err != nil {
		return Error.Wrap(err)
	}

	type release struct{ id, available int64 }
	var releases []release
	for rows.Next() {
		var id, load, capacity int64
		if err := rows.Scan(&id, &load, &capacity); err != nil {
			_ = rows.Close()
			return Error.Wrap(err)
		}
		available := int64(float64(capacity) * db.releaseRate)
		if available < 1 {
			available = 1
		}
		if available > capacity-load {
			available = capacity - load
		}
		releases = append(releases, release{id, available})
	}
	if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
		return Error.Wrap(err)
	}

	for _, r := range releases {
		_, err := tx.ExecContext(ctx, db.rebind(
			`UPDATE nodes SET available = ? WHERE id = ?`), r.available, r.id)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
