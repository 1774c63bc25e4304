package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

// UpsertHost returns the host named name, creating it with newID if it does
// not exist yet. Either way its last-active is advanced to now.
func (db *DB) UpsertHost(ctx context.Context, name string, newID func() string, now time.Time) (model.Host, error) {
	var h model.Host
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ms := now.UnixMilli()
		if _, err := db.exec(ctx, tx,
			`INSERT INTO hosts (id, name, last_active, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (name) DO NOTHING`,
			newID(), name, ms, ms,
		); err != nil {
			return err
		}
		if _, err := db.exec(ctx, tx,
			`UPDATE hosts SET last_active = CASE WHEN last_active < ? THEN ? ELSE last_active END
			 WHERE name = ?`,
			ms, ms, name,
		); err != nil {
			return err
		}
		var err error
		h, err = scanHost(db.queryRow(ctx, tx,
			`SELECT id, name, last_active, created_at FROM hosts WHERE name = ?`, name))
		return err
	})
	if err != nil {
		return model.Host{}, fmt.Errorf("storage: upsert host %s: %w", name, err)
	}
	return h, nil
}

// UpsertRunner is UpsertHost for runners. An existing runner that reconnects
// under a different host is moved to that host.
func (db *DB) UpsertRunner(ctx context.Context, name, hostID string, newID func() string, now time.Time) (model.Runner, error) {
	var r model.Runner
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		ms := now.UnixMilli()
		if _, err := db.exec(ctx, tx,
			`INSERT INTO runners (id, name, host_id, last_active, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO NOTHING`,
			newID(), name, hostID, ms, ms,
		); err != nil {
			return err
		}
		if _, err := db.exec(ctx, tx,
			`UPDATE runners SET host_id = ?,
			        last_active = CASE WHEN last_active < ? THEN ? ELSE last_active END
			 WHERE name = ?`,
			hostID, ms, ms, name,
		); err != nil {
			return err
		}
		var lastActive, createdAt int64
		if err := db.queryRow(ctx, tx,
			`SELECT id, name, host_id, last_active, created_at FROM runners WHERE name = ?`, name,
		).Scan(&r.ID, &r.Name, &r.HostID, &lastActive, &createdAt); err != nil {
			return err
		}
		r.LastActive = time.UnixMilli(lastActive)
		r.CreatedAt = time.UnixMilli(createdAt)
		return nil
	})
	if err != nil {
		return model.Runner{}, fmt.Errorf("storage: upsert runner %s: %w", name, err)
	}
	return r, nil
}

// TouchHost advances a host's last-active. Older timestamps are ignored.
func (db *DB) TouchHost(ctx context.Context, id string, now time.Time) error {
	return db.touch(ctx, "hosts", id, now)
}

// TouchRunner advances a runner's last-active. Older timestamps are ignored.
func (db *DB) TouchRunner(ctx context.Context, id string, now time.Time) error {
	return db.touch(ctx, "runners", id, now)
}

func (db *DB) touch(ctx context.Context, table, id string, now time.Time) error {
	ms := now.UnixMilli()
	err := db.do(ctx, func(ctx context.Context) error {
		_, err := db.exec(ctx, db.sql,
			`UPDATE `+table+` SET last_active = CASE WHEN last_active < ? THEN ? ELSE last_active END
			 WHERE id = ?`,
			ms, ms, id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: touch %s %s: %w", table, id, err)
	}
	return nil
}

// GetHost retrieves a host by id.
func (db *DB) GetHost(ctx context.Context, id string) (model.Host, error) {
	h, err := Retry(ctx, db.retry, func(ctx context.Context) (model.Host, error) {
		return scanHost(db.queryRow(ctx, db.sql,
			`SELECT id, name, last_active, created_at FROM hosts WHERE id = ?`, id))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Host{}, fmt.Errorf("storage: host %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Host{}, fmt.Errorf("storage: get host: %w", err)
	}
	return h, nil
}

// ListHosts returns every known host ordered by name.
func (db *DB) ListHosts(ctx context.Context) ([]model.Host, error) {
	hosts, err := Retry(ctx, db.retry, func(ctx context.Context) ([]model.Host, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT id, name, last_active, created_at FROM hosts ORDER BY name`)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var out []model.Host
		for rows.Next() {
			h, err := scanHost(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, h)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list hosts: %w", err)
	}
	return hosts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(row rowScanner) (model.Host, error) {
	var (
		h                     model.Host
		lastActive, createdAt int64
	)
	if err := row.Scan(&h.ID, &h.Name, &lastActive, &createdAt); err != nil {
		return model.Host{}, err
	}
	h.LastActive = time.UnixMilli(lastActive)
	h.CreatedAt = time.UnixMilli(createdAt)
	return h, nil
}
