package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/swax/naisys-hub/internal/model"
)

// ApplySync writes an already-validated sync payload from hostID in a single
// transaction and advances the host's sync cursor. Tables are applied in
// model.SyncApplyOrder; tables whose rule is "none" are never written.
// Mutable tables are upserted by primary key, immutable ones are
// insert-or-ignore. Either every row lands or none do.
//
// last_active columns follow the same rule as local touches: they never move
// backwards, and values ahead of the hub's clock are clamped to now.
func (db *DB) ApplySync(ctx context.Context, hostID string, defs map[string]model.SyncTable, payload map[string][]model.Record, cursor int64) (int, error) {
	var applied int
	err := db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		applied = 0
		now := time.Now().UnixMilli()
		for _, name := range model.SyncApplyOrder {
			rows := payload[name]
			if len(rows) == 0 {
				continue
			}
			def, ok := defs[name]
			if !ok || def.Rule == model.RuleNone {
				continue
			}
			for _, rec := range rows {
				if err := db.applyRecord(ctx, tx, def, rec, now); err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				applied++
			}
		}
		return db.setSyncCursor(ctx, tx, hostID, cursor)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: apply sync from host %s: %w", hostID, err)
	}
	return applied, nil
}

const lastActiveColumn = "last_active"

func (db *DB) applyRecord(ctx context.Context, tx *sql.Tx, def model.SyncTable, rec model.Record, now int64) error {
	cols := make([]string, 0, len(rec))
	for col := range rec {
		if !def.HasColumn(col) {
			return fmt.Errorf("unknown column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, col := range cols {
		v, err := sqlValue(rec[col])
		if err != nil {
			return fmt.Errorf("column %q: %w", col, err)
		}
		if col == lastActiveColumn {
			v = clampMillis(v, now)
		}
		args[i] = v
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(def.Name)
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	b.WriteString(") ON CONFLICT (")
	b.WriteString(strings.Join(def.PrimaryKey, ", "))
	b.WriteString(") ")

	var updates []string
	if !def.Immutable {
		for _, col := range cols {
			switch {
			case slices.Contains(def.PrimaryKey, col):
			case col == lastActiveColumn:
				updates = append(updates, fmt.Sprintf(
					"%[2]s = CASE WHEN %[1]s.%[2]s < excluded.%[2]s THEN excluded.%[2]s ELSE %[1]s.%[2]s END",
					def.Name, col))
			default:
				updates = append(updates, col+" = excluded."+col)
			}
		}
	}
	if len(updates) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(updates, ", "))
	}

	_, err := db.exec(ctx, tx, b.String(), args...)
	return err
}

// clampMillis caps a millisecond timestamp at now. Non-numeric values pass
// through for the database to reject.
func clampMillis(v any, now int64) any {
	switch x := v.(type) {
	case int64:
		return min(x, now)
	case float64:
		if x > float64(now) {
			return now
		}
	}
	return v
}

// sqlValue converts a decoded JSON value into something both drivers accept.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, int64, float64:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case bool:
		return boolInt(x), nil
	case map[string]any, []any:
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// GetSyncCursor returns the cursor recorded by the last successful sync from
// hostID, or 0 if none has succeeded yet.
func (db *DB) GetSyncCursor(ctx context.Context, hostID string) (int64, error) {
	since, err := Retry(ctx, db.retry, func(ctx context.Context) (int64, error) {
		var since int64
		err := db.queryRow(ctx, db.sql, `SELECT since FROM sync_state WHERE host_id = ?`, hostID).Scan(&since)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return since, err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: get sync cursor: %w", err)
	}
	return since, nil
}

func (db *DB) setSyncCursor(ctx context.Context, tx *sql.Tx, hostID string, cursor int64) error {
	_, err := db.exec(ctx, tx,
		`INSERT INTO sync_state (host_id, since, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (host_id) DO UPDATE SET since = excluded.since, updated_at = excluded.updated_at`,
		hostID, cursor, time.Now().UnixMilli())
	return err
}

// RowHostID returns the stored host_id of the row of def identified by its
// primary key values in rec. found is false when no such row exists.
func (db *DB) RowHostID(ctx context.Context, def model.SyncTable, rec model.Record) (hostID string, found bool, err error) {
	if !def.HasColumn("host_id") {
		return "", false, fmt.Errorf("storage: table %s has no host_id column", def.Name)
	}
	where := make([]string, len(def.PrimaryKey))
	args := make([]any, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		v, err := sqlValue(rec[col])
		if err != nil {
			return "", false, fmt.Errorf("storage: %s.%s: %w", def.Name, col, err)
		}
		where[i] = col + " = ?"
		args[i] = v
	}

	h, err := Retry(ctx, db.retry, func(ctx context.Context) (sql.NullString, error) {
		var h sql.NullString
		err := db.queryRow(ctx, db.sql,
			`SELECT host_id FROM `+def.Name+` WHERE `+strings.Join(where, " AND "), args...,
		).Scan(&h)
		return h, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: row host for %s: %w", def.Name, err)
	}
	return h.String, true, nil
}

// CountRows returns the number of rows in a sync table. Used by health and tests.
func (db *DB) CountRows(ctx context.Context, def model.SyncTable) (int64, error) {
	n, err := Retry(ctx, db.retry, func(ctx context.Context) (int64, error) {
		var n int64
		err := db.queryRow(ctx, db.sql, `SELECT COUNT(*) FROM `+def.Name).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", def.Name, err)
	}
	return n, nil
}
