package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

// TouchUsers advances the notification pointer last-active of every user in
// userIDs, creating pointers that do not exist yet.
func (db *DB) TouchUsers(ctx context.Context, userIDs []int64, now time.Time) error {
	if len(userIDs) == 0 {
		return nil
	}
	ms := now.UnixMilli()
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, id := range userIDs {
			if _, err := db.exec(ctx, tx,
				`INSERT INTO user_notifications (user_id, last_active) VALUES (?, ?)
				 ON CONFLICT (user_id) DO UPDATE SET
				     last_active = CASE WHEN user_notifications.last_active < excluded.last_active
				                        THEN excluded.last_active ELSE user_notifications.last_active END`,
				id, ms,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: touch users: %w", err)
	}
	return nil
}

// ActiveUserIDs returns, in ascending order, the users whose last-active is
// strictly after cutoff.
func (db *DB) ActiveUserIDs(ctx context.Context, cutoff time.Time) ([]int64, error) {
	ids, err := Retry(ctx, db.retry, func(ctx context.Context) ([]int64, error) {
		rows, err := db.query(ctx, db.sql,
			`SELECT user_id FROM user_notifications WHERE last_active > ? ORDER BY user_id`,
			cutoff.UnixMilli())
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		ids := []int64{}
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
		return nil, fmt.Errorf("storage: active users: %w", err)
	}
	return ids, nil
}

// GetNotificationPointer retrieves a user's notification pointer.
func (db *DB) GetNotificationPointer(ctx context.Context, userID int64) (model.UserNotificationPointer, error) {
	p, err := Retry(ctx, db.retry, func(ctx context.Context) (model.UserNotificationPointer, error) {
		var (
			p          model.UserNotificationPointer
			lastActive int64
		)
		err := db.queryRow(ctx, db.sql,
			`SELECT user_id, latest_log_id, latest_mail_id, last_active FROM user_notifications WHERE user_id = ?`,
			userID,
		).Scan(&p.UserID, &p.LatestLogID, &p.LatestMailID, &lastActive)
		p.LastActive = time.UnixMilli(lastActive)
		return p, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return model.UserNotificationPointer{}, fmt.Errorf("storage: notification pointer for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.UserNotificationPointer{}, fmt.Errorf("storage: get notification pointer: %w", err)
	}
	return p, nil
}
