package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate is returned when an insert collides with an existing key.
// Callers surface it rather than renumbering.
var ErrDuplicate = errors.New("storage: duplicate key")

// ErrAmbiguous is returned when a bare username matches users on several hosts.
var ErrAmbiguous = errors.New("storage: ambiguous username, use username@host")

// isUniqueViolation reports whether err is a primary key or unique constraint
// failure in either supported dialect.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// Extended result codes disabled on this connection.
			return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
		}
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
