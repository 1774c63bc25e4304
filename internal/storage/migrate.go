package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

// migration is one numbered SQL file for the active dialect.
type migration struct {
	version int
	name    string
}

// RunMigrations brings the store up to the highest migration version found in
// migrationsFS under the dialect's directory (sqlite/ or postgres/).
//
// The applied version is kept in a single-row schema_version table. When that
// row already holds the expected version, no migration file is read or
// executed. A store that reports a newer version than this binary knows about
// is refused rather than downgraded.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	migrations, err := listMigrations(migrationsFS, string(db.dialect))
	if err != nil {
		return err
	}
	expected := 0
	if len(migrations) > 0 {
		expected = migrations[len(migrations)-1].version
	}

	if err := db.do(ctx, func(ctx context.Context) error {
		_, err := db.exec(ctx, db.sql, `
			CREATE TABLE IF NOT EXISTS schema_version (
				id         INTEGER PRIMARY KEY,
				version    INTEGER NOT NULL,
				updated_at BIGINT NOT NULL
			)`)
		return err
	}); err != nil {
		return fmt.Errorf("storage: create schema_version: %w", err)
	}

	current, err := db.readSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	switch {
	case current == expected:
		db.logger.Debug("storage: schema current, skipping migrations", "version", current)
		db.schemaVersion = current
		return nil
	case current > expected:
		return fmt.Errorf("storage: store schema version %d is newer than supported version %d", current, expected)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, path.Join(string(db.dialect), m.name))
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", m.name, err)
		}

		db.logger.Info("storage: running migration", "file", m.name, "version", m.version)
		err = db.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			if err := db.execScript(ctx, tx, string(content)); err != nil {
				return err
			}
			return db.writeSchemaVersion(ctx, tx, m.version)
		})
		if err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", m.name, err)
		}
	}

	db.schemaVersion = expected
	return nil
}

// SchemaVersion returns the schema version established by RunMigrations.
func (db *DB) SchemaVersion() int {
	return db.schemaVersion
}

func (db *DB) readSchemaVersion(ctx context.Context) (int, error) {
	return Retry(ctx, db.retry, func(ctx context.Context) (int, error) {
		var v int
		err := db.queryRow(ctx, db.sql, `SELECT version FROM schema_version WHERE id = 1`).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return v, err
	})
}

func (db *DB) writeSchemaVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := db.exec(ctx, tx, `
		INSERT INTO schema_version (id, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		version, time.Now().UnixMilli())
	return err
}

// execScript runs each statement of a migration file separately. Not every
// driver accepts several statements in one Exec call.
func (db *DB) execScript(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits on ';' at line ends and drops '--' comment lines.
// Migration files must not put semicolons inside string literals at a line end.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

// listMigrations returns dir's NNN_name.sql files sorted by version.
func listMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("storage: read migrations dir %s: %w", dir, err)
	}
	var out []migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil, fmt.Errorf("storage: migration %s: missing version prefix", name)
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("storage: migration %s: bad version prefix", name)
		}
		out = append(out, migration{version: v, name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	for i := 1; i < len(out); i++ {
		if out[i].version == out[i-1].version {
			return nil, fmt.Errorf("storage: duplicate migration version %d", out[i].version)
		}
	}
	return out, nil
}
