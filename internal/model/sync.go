package model

import (
	"fmt"
	"slices"
)

// OwnershipRule describes how to prove a synced row belongs to the host that sent it.
type OwnershipRule string

const (
	// RuleNone marks hub-owned tables: no per-row check, and rows are never applied from a host.
	RuleNone OwnershipRule = "none"
	// RuleDirectID requires the row's own id to equal the host id.
	RuleDirectID OwnershipRule = "direct_id"
	// RuleDirectHostID requires the row's host_id column to equal the host id.
	RuleDirectHostID OwnershipRule = "direct_host_id"
	// RuleJoinUser resolves the row's user_id to its owning host.
	RuleJoinUser OwnershipRule = "join_user"
	// RuleJoinUpdatedBy resolves the row's updated_by user to its owning host.
	RuleJoinUpdatedBy OwnershipRule = "join_updated_by"
)

// Valid reports whether r is a known rule.
func (r OwnershipRule) Valid() bool {
	switch r {
	case RuleNone, RuleDirectID, RuleDirectHostID, RuleJoinUser, RuleJoinUpdatedBy:
		return true
	default:
		return false
	}
}

// SyncTable is the static definition of a table that hosts may sync to the hub.
// Columns is the whitelist used both for validation and for building upserts.
type SyncTable struct {
	Name       string
	Rule       OwnershipRule
	Columns    []string
	PrimaryKey []string
	// Immutable tables are applied insert-or-ignore; existing rows are never rewritten.
	Immutable bool
}

// HasColumn reports whether col is part of the table definition.
func (t SyncTable) HasColumn(col string) bool {
	return slices.Contains(t.Columns, col)
}

// SyncTables returns the default table definitions, keyed by table name.
// The returned map is freshly allocated so callers may apply overrides.
func SyncTables() map[string]SyncTable {
	tables := []SyncTable{
		{
			Name:       "schema_version",
			Rule:       RuleNone,
			Columns:    []string{"id", "version", "updated_at"},
			PrimaryKey: []string{"id"},
		},
		{
			Name:       "sync_state",
			Rule:       RuleNone,
			Columns:    []string{"host_id", "since", "updated_at"},
			PrimaryKey: []string{"host_id"},
		},
		{
			Name:       "hosts",
			Rule:       RuleDirectID,
			Columns:    []string{"id", "name", "last_active", "created_at"},
			PrimaryKey: []string{"id"},
		},
		{
			Name: "users",
			Rule: RuleDirectHostID,
			Columns: []string{
				"id", "username", "lead_user_id", "api_key", "config", "host_id",
				"archived", "deleted", "created_at", "updated_at",
			},
			PrimaryKey: []string{"id"},
		},
		{
			Name:       "user_hosts",
			Rule:       RuleJoinUser,
			Columns:    []string{"user_id", "host_id"},
			PrimaryKey: []string{"user_id", "host_id"},
		},
		{
			Name:       "user_notifications",
			Rule:       RuleJoinUser,
			Columns:    []string{"user_id", "latest_log_id", "latest_mail_id", "last_active"},
			PrimaryKey: []string{"user_id"},
		},
		{
			Name: "run_session",
			Rule: RuleDirectHostID,
			Columns: []string{
				"user_id", "run_id", "session_id", "host_id", "model_name", "created_at",
				"last_active", "latest_log_id", "total_lines", "total_cost",
			},
			PrimaryKey: []string{"user_id", "run_id", "session_id"},
		},
		{
			Name: "context_log",
			Rule: RuleDirectHostID,
			Columns: []string{
				"id", "user_id", "run_id", "session_id", "host_id", "role", "source",
				"type", "message", "created_at",
			},
			PrimaryKey: []string{"id"},
			Immutable:  true,
		},
		{
			Name: "costs",
			Rule: RuleDirectHostID,
			Columns: []string{
				"id", "user_id", "run_id", "session_id", "host_id", "source", "model",
				"cost", "input_tokens", "output_tokens", "created_at",
			},
			PrimaryKey: []string{"id"},
			Immutable:  true,
		},
		{
			Name:       "config_revisions",
			Rule:       RuleJoinUpdatedBy,
			Columns:    []string{"id", "user_id", "config", "updated_by", "created_at"},
			PrimaryKey: []string{"id"},
			Immutable:  true,
		},
	}

	out := make(map[string]SyncTable, len(tables))
	for _, t := range tables {
		out[t.Name] = t
	}
	return out
}

// ApplyRuleOverrides replaces the rule of known tables. Unknown tables and
// unknown rules are rejected: a rule without a column whitelist cannot be applied.
func ApplyRuleOverrides(tables map[string]SyncTable, overrides map[string]OwnershipRule) error {
	for name, rule := range overrides {
		t, ok := tables[name]
		if !ok {
			return fmt.Errorf("sync rules: unknown table %q", name)
		}
		if !rule.Valid() {
			return fmt.Errorf("sync rules: table %q: unknown rule %q", name, rule)
		}
		t.Rule = rule
		tables[name] = t
	}
	return nil
}

// SyncApplyOrder is the order tables are written when applying a sync payload,
// parents before children.
var SyncApplyOrder = []string{
	"hosts",
	"users",
	"user_hosts",
	"user_notifications",
	"run_session",
	"context_log",
	"costs",
	"config_revisions",
}
