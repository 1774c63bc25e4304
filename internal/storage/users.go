package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

const userColumns = `id, username, lead_user_id, api_key, config, host_id, archived, deleted, created_at, updated_at`

// CreateUser inserts a user and its assigned hosts. A zero ID lets the store
// allocate one. Returns ErrDuplicate when (username, host_id) is taken.
func (db *DB) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	if len(u.Config) == 0 {
		u.Config = json.RawMessage(`{}`)
	}

	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		args := []any{
			u.Username, nullInt64(u.LeadUserID), nullString(u.APIKey), string(u.Config),
			nullString(u.HostID), boolInt(u.Archived), boolInt(u.Deleted),
			u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
		}
		cols := `username, lead_user_id, api_key, config, host_id, archived, deleted, created_at, updated_at`
		marks := `?, ?, ?, ?, ?, ?, ?, ?, ?`
		if u.ID != 0 {
			cols = "id, " + cols
			marks = "?, " + marks
			args = append([]any{u.ID}, args...)
		}
		if err := db.queryRow(ctx, tx,
			`INSERT INTO users (`+cols+`) VALUES (`+marks+`) RETURNING id`, args...,
		).Scan(&u.ID); err != nil {
			return err
		}
		return db.replaceUserHosts(ctx, tx, u.ID, u.AssignedHostIDs)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, fmt.Errorf("storage: create user %s: %w", u.Username, ErrDuplicate)
		}
		return model.User{}, fmt.Errorf("storage: create user %s: %w", u.Username, err)
	}
	return u, nil
}

// GetUser retrieves a user, including its assigned hosts.
func (db *DB) GetUser(ctx context.Context, id int64) (model.User, error) {
	u, err := Retry(ctx, db.retry, func(ctx context.Context) (model.User, error) {
		u, err := scanUser(db.queryRow(ctx, db.sql, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if err != nil {
			return model.User{}, err
		}
		assigned, err := db.assignedHosts(ctx)
		if err != nil {
			return model.User{}, err
		}
		u.AssignedHostIDs = assigned[u.ID]
		return u, nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("storage: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("storage: get user: %w", err)
	}
	return u, nil
}

// UserHostID returns the id of the host that owns the user, or "" for users
// without an owning host.
func (db *DB) UserHostID(ctx context.Context, userID int64) (string, error) {
	hostID, err := Retry(ctx, db.retry, func(ctx context.Context) (sql.NullString, error) {
		var h sql.NullString
		err := db.queryRow(ctx, db.sql, `SELECT host_id FROM users WHERE id = ?`, userID).Scan(&h)
		return h, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("storage: user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage: user host: %w", err)
	}
	return hostID.String, nil
}

// ListDirectoryUsers returns every live (not archived, not deleted) user in
// the shape pushed to runners, ordered by id.
func (db *DB) ListDirectoryUsers(ctx context.Context) ([]model.DirectoryUser, error) {
	users, err := Retry(ctx, db.retry, func(ctx context.Context) ([]model.DirectoryUser, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT `+userColumns+` FROM users WHERE archived = 0 AND deleted = 0 ORDER BY id`)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		out := []model.DirectoryUser{}
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, model.DirectoryUser{
				UserID:     u.ID,
				Username:   u.Username,
				LeadUserID: u.LeadUserID,
				Config:     u.Config,
				APIKey:     u.APIKey,
				HostID:     u.HostID,
			})
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}

		assigned, err := db.assignedHosts(ctx)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].AssignedHostIDs = assigned[out[i].UserID]
			if out[i].AssignedHostIDs == nil {
				out[i].AssignedHostIDs = []string{}
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list directory users: %w", err)
	}
	return users, nil
}

// ResolveUsername finds a live user by "username" or "username@host".
// A bare username owned by users on more than one host is ErrAmbiguous.
func (db *DB) ResolveUsername(ctx context.Context, name string) (int64, error) {
	username, hostName, qualified := strings.Cut(name, "@")
	ids, err := Retry(ctx, db.retry, func(ctx context.Context) ([]int64, error) {
		var (
			rows *sql.Rows
			err  error
		)
		if qualified {
			rows, err = db.query(ctx, db.sql,
				`SELECT u.id FROM users u JOIN hosts h ON h.id = u.host_id
				 WHERE u.username = ? AND h.name = ? AND u.deleted = 0`, username, hostName)
		} else {
			rows, err = db.query(ctx, db.sql,
				`SELECT id FROM users WHERE username = ? AND deleted = 0`, username)
		}
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("storage: resolve user %s: %w", name, err)
	}
	switch len(ids) {
	case 0:
		return 0, fmt.Errorf("storage: user %s: %w", name, ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return 0, fmt.Errorf("storage: user %s: %w", name, ErrAmbiguous)
	}
}

// UserFingerprint summarizes the users and user_hosts tables. Any edit that
// goes through this package bumps updated_at, so a changed fingerprint means
// the directory must be rebuilt.
func (db *DB) UserFingerprint(ctx context.Context) (model.UserFingerprint, error) {
	fp, err := Retry(ctx, db.retry, func(ctx context.Context) (model.UserFingerprint, error) {
		var fp model.UserFingerprint
		if err := db.queryRow(ctx, db.sql,
			`SELECT COUNT(*), COALESCE(MAX(updated_at), 0) FROM users`,
		).Scan(&fp.Count, &fp.MaxUpdatedAt); err != nil {
			return fp, err
		}
		if err := db.queryRow(ctx, db.sql, `SELECT COUNT(*) FROM user_hosts`).Scan(&fp.HostLinks); err != nil {
			return fp, err
		}
		return fp, nil
	})
	if err != nil {
		return model.UserFingerprint{}, fmt.Errorf("storage: user fingerprint: %w", err)
	}
	return fp, nil
}

// SetAssignedHosts replaces the user's assigned host list.
func (db *DB) SetAssignedHosts(ctx context.Context, userID int64, hostIDs []string) error {
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := db.exec(ctx, tx, `UPDATE users SET updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return db.replaceUserHosts(ctx, tx, userID, hostIDs)
	})
	if err != nil {
		return fmt.Errorf("storage: set assigned hosts for user %d: %w", userID, err)
	}
	return nil
}

// UpdateUserConfig stores a new config blob and records the revision.
func (db *DB) UpdateUserConfig(ctx context.Context, userID int64, config json.RawMessage, updatedBy int64, revisionID string) error {
	now := time.Now().UnixMilli()
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := db.exec(ctx, tx,
			`UPDATE users SET config = ?, updated_at = ? WHERE id = ?`, string(config), now, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = db.exec(ctx, tx,
			`INSERT INTO config_revisions (id, user_id, config, updated_by, created_at) VALUES (?, ?, ?, ?, ?)`,
			revisionID, userID, string(config), updatedBy, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update config for user %d: %w", userID, err)
	}
	return nil
}

func (db *DB) replaceUserHosts(ctx context.Context, tx *sql.Tx, userID int64, hostIDs []string) error {
	if _, err := db.exec(ctx, tx, `DELETE FROM user_hosts WHERE user_id = ?`, userID); err != nil {
		return err
	}
	for _, h := range hostIDs {
		if _, err := db.exec(ctx, tx,
			`INSERT INTO user_hosts (user_id, host_id) VALUES (?, ?) ON CONFLICT DO NOTHING`, userID, h,
		); err != nil {
			return err
		}
	}
	return nil
}

// assignedHosts loads the whole user_hosts table keyed by user id.
func (db *DB) assignedHosts(ctx context.Context) (map[int64][]string, error) {
	rows, err := db.query(ctx, db.sql, `SELECT user_id, host_id FROM user_hosts`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[int64][]string{}
	for rows.Next() {
		var (
			userID int64
			hostID string
		)
		if err := rows.Scan(&userID, &hostID); err != nil {
			return nil, err
		}
		out[userID] = append(out[userID], hostID)
	}
	for _, hosts := range out {
		sort.Strings(hosts)
	}
	return out, rows.Err()
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u                    model.User
		lead                 sql.NullInt64
		apiKey, hostID       sql.NullString
		config               string
		archived, deleted    int64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.Username, &lead, &apiKey, &config, &hostID,
		&archived, &deleted, &createdAt, &updatedAt); err != nil {
		return model.User{}, err
	}
	if lead.Valid {
		u.LeadUserID = &lead.Int64
	}
	if apiKey.Valid {
		u.APIKey = &apiKey.String
	}
	if hostID.Valid {
		u.HostID = &hostID.String
	}
	u.Config = json.RawMessage(config)
	u.Archived = archived != 0
	u.Deleted = deleted != 0
	u.CreatedAt = time.UnixMilli(createdAt)
	u.UpdatedAt = time.UnixMilli(updatedAt)
	return u, nil
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
