package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

// AppendLogEntry persists one transcript line and, in the same transaction,
// advances the owning run session's line counter and latest-log pointer and
// the user's notification pointer. The entry's ID must already be minted.
// Returns ErrNotFound, writing nothing, when the run session does not exist.
func (db *DB) AppendLogEntry(ctx context.Context, e model.LogEntry, now time.Time) error {
	ms := now.UnixMilli()
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.exec(ctx, tx,
			`INSERT INTO context_log (id, user_id, run_id, session_id, host_id, role, source, type, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.UserID, e.RunID, e.SessionID, e.HostID, e.Role, e.Source, e.Type, e.Message,
			e.CreatedAt.UnixMilli(),
		); err != nil {
			return err
		}
		res, err := db.exec(ctx, tx,
			`UPDATE run_session
			 SET total_lines = total_lines + ?, latest_log_id = ?,
			     last_active = CASE WHEN last_active < ? THEN ? ELSE last_active END
			 WHERE user_id = ? AND run_id = ? AND session_id = ?`,
			e.LineCount(), e.ID, ms, ms, e.UserID, e.RunID, e.SessionID,
		)
		if err := requireRow(res, err); err != nil {
			return err
		}
		_, err = db.exec(ctx, tx,
			`INSERT INTO user_notifications (user_id, latest_log_id, last_active) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET
			     latest_log_id = excluded.latest_log_id,
			     last_active = CASE WHEN user_notifications.last_active < excluded.last_active
			                        THEN excluded.last_active ELSE user_notifications.last_active END`,
			e.UserID, e.ID, ms,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: append log %s: %w", e.ID, ErrDuplicate)
		}
		return fmt.Errorf("storage: append log %s: %w", e.ID, err)
	}
	return nil
}

// AppendCostEntry persists one cost record and adds its cost to the run
// session. Returns ErrNotFound when the run session does not exist.
func (db *DB) AppendCostEntry(ctx context.Context, c model.CostEntry, now time.Time) error {
	ms := now.UnixMilli()
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := db.exec(ctx, tx,
			`INSERT INTO costs (id, user_id, run_id, session_id, host_id, source, model, cost, input_tokens, output_tokens, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.UserID, c.RunID, c.SessionID, c.HostID, c.Source, c.Model, c.Cost,
			c.InputTokens, c.OutputTokens, c.CreatedAt.UnixMilli(),
		); err != nil {
			return err
		}
		res, err := db.exec(ctx, tx,
			`UPDATE run_session
			 SET total_cost = total_cost + ?,
			     last_active = CASE WHEN last_active < ? THEN ? ELSE last_active END
			 WHERE user_id = ? AND run_id = ? AND session_id = ?`,
			c.Cost, ms, ms, c.UserID, c.RunID, c.SessionID,
		)
		return requireRow(res, err)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: append cost %s: %w", c.ID, ErrDuplicate)
		}
		return fmt.Errorf("storage: append cost %s: %w", c.ID, err)
	}
	return nil
}

// ListLogEntries returns a session's transcript in id order.
func (db *DB) ListLogEntries(ctx context.Context, key model.SessionKey) ([]model.LogEntry, error) {
	out, err := Retry(ctx, db.retry, func(ctx context.Context) ([]model.LogEntry, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT id, user_id, run_id, session_id, host_id, role, source, type, message, created_at
			 FROM context_log WHERE user_id = ? AND run_id = ? AND session_id = ?
			 ORDER BY id`,
			key.UserID, key.RunID, key.SessionID)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var out []model.LogEntry
		for rows.Next() {
			var (
				e         model.LogEntry
				createdAt int64
			)
			if err := rows.Scan(&e.ID, &e.UserID, &e.RunID, &e.SessionID, &e.HostID,
				&e.Role, &e.Source, &e.Type, &e.Message, &createdAt); err != nil {
				return nil, err
			}
			e.CreatedAt = time.UnixMilli(createdAt)
			out = append(out, e)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list log entries: %w", err)
	}
	return out, nil
}

// ListCostEntries returns a session's cost records in id order.
func (db *DB) ListCostEntries(ctx context.Context, key model.SessionKey) ([]model.CostEntry, error) {
	out, err := Retry(ctx, db.retry, func(ctx context.Context) ([]model.CostEntry, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT id, user_id, run_id, session_id, host_id, source, model, cost, input_tokens, output_tokens, created_at
			 FROM costs WHERE user_id = ? AND run_id = ? AND session_id = ?
			 ORDER BY id`,
			key.UserID, key.RunID, key.SessionID)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var out []model.CostEntry
		for rows.Next() {
			var (
				c         model.CostEntry
				createdAt int64
			)
			if err := rows.Scan(&c.ID, &c.UserID, &c.RunID, &c.SessionID, &c.HostID, &c.Source,
				&c.Model, &c.Cost, &c.InputTokens, &c.OutputTokens, &createdAt); err != nil {
				return nil, err
			}
			c.CreatedAt = time.UnixMilli(createdAt)
			out = append(out, c)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list cost entries: %w", err)
	}
	return out, nil
}

// requireRow turns an update that matched nothing into ErrNotFound.
func requireRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
