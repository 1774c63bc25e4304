// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem. Each dialect has its own
// directory of numbered files (e.g. sqlite/001_initial.sql); the leading
// number is the schema version the file brings the store to.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
