package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

const runSessionColumns = `user_id, run_id, session_id, host_id, model_name, created_at,
	last_active, latest_log_id, total_lines, total_cost`

// CreateRunSession starts a new run for userID. The run id is one more than
// the largest run id of any user; the session id is 1.
//
// Read-max-then-insert is not serialized across connections. A concurrent
// caller that wins the same run id makes this call fail with ErrDuplicate
// rather than renumber.
func (db *DB) CreateRunSession(ctx context.Context, userID int64, hostID, modelName string, now time.Time) (model.RunSession, error) {
	rs := model.RunSession{
		UserID:     userID,
		SessionID:  1,
		HostID:     hostID,
		ModelName:  modelName,
		CreatedAt:  time.UnixMilli(now.UnixMilli()),
		LastActive: time.UnixMilli(now.UnixMilli()),
	}
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var maxRun int64
		if err := db.queryRow(ctx, tx, `SELECT COALESCE(MAX(run_id), 0) FROM run_session`).Scan(&maxRun); err != nil {
			return err
		}
		rs.RunID = maxRun + 1
		return db.insertRunSession(ctx, tx, rs)
	})
	if err != nil {
		return model.RunSession{}, runSessionErr("create run session", err)
	}
	return rs, nil
}

// IncrementRunSession adds the next session to an existing run: one more than
// the largest session id for (userID, runID), or 1 if the run has none. The
// model name carries over from the previous session.
func (db *DB) IncrementRunSession(ctx context.Context, userID, runID int64, hostID string, now time.Time) (model.RunSession, error) {
	rs := model.RunSession{
		UserID:     userID,
		RunID:      runID,
		HostID:     hostID,
		CreatedAt:  time.UnixMilli(now.UnixMilli()),
		LastActive: time.UnixMilli(now.UnixMilli()),
	}
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var (
			maxSession int64
			modelName  sql.NullString
		)
		err := db.queryRow(ctx, tx,
			`SELECT session_id, model_name FROM run_session
			 WHERE user_id = ? AND run_id = ? ORDER BY session_id DESC LIMIT 1`,
			userID, runID,
		).Scan(&maxSession, &modelName)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		rs.SessionID = maxSession + 1
		rs.ModelName = modelName.String
		return db.insertRunSession(ctx, tx, rs)
	})
	if err != nil {
		return model.RunSession{}, runSessionErr("increment run session", err)
	}
	return rs, nil
}

// GetRunSession retrieves one run session.
func (db *DB) GetRunSession(ctx context.Context, key model.SessionKey) (model.RunSession, error) {
	rs, err := Retry(ctx, db.retry, func(ctx context.Context) (model.RunSession, error) {
		return scanRunSession(db.queryRow(ctx, db.sql,
			`SELECT `+runSessionColumns+` FROM run_session
			 WHERE user_id = ? AND run_id = ? AND session_id = ?`,
			key.UserID, key.RunID, key.SessionID))
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunSession{}, fmt.Errorf("storage: run session %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return model.RunSession{}, fmt.Errorf("storage: get run session: %w", err)
	}
	return rs, nil
}

// ListRunSessions returns every session of a user's run ordered by session id.
func (db *DB) ListRunSessions(ctx context.Context, userID, runID int64) ([]model.RunSession, error) {
	out, err := Retry(ctx, db.retry, func(ctx context.Context) ([]model.RunSession, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT `+runSessionColumns+` FROM run_session
			 WHERE user_id = ? AND run_id = ? ORDER BY session_id`, userID, runID)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var out []model.RunSession
		for rows.Next() {
			rs, err := scanRunSession(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, rs)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list run sessions: %w", err)
	}
	return out, nil
}

func (db *DB) insertRunSession(ctx context.Context, tx *sql.Tx, rs model.RunSession) error {
	_, err := db.exec(ctx, tx,
		`INSERT INTO run_session (user_id, run_id, session_id, host_id, model_name, created_at, last_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rs.UserID, rs.RunID, rs.SessionID, rs.HostID, rs.ModelName,
		rs.CreatedAt.UnixMilli(), rs.LastActive.UnixMilli(),
	)
	return err
}

func runSessionErr(op string, err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("storage: %s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func scanRunSession(row rowScanner) (model.RunSession, error) {
	var (
		rs                    model.RunSession
		createdAt, lastActive int64
	)
	if err := row.Scan(&rs.UserID, &rs.RunID, &rs.SessionID, &rs.HostID, &rs.ModelName,
		&createdAt, &lastActive, &rs.LatestLogID, &rs.TotalLines, &rs.TotalCost); err != nil {
		return model.RunSession{}, err
	}
	rs.CreatedAt = time.UnixMilli(createdAt)
	rs.LastActive = time.UnixMilli(lastActive)
	return rs, nil
}
