// Package ownership decides whether a host may write the rows it syncs.
//
// Every sync table carries a rule naming how a row proves it belongs to the
// sending host. A payload is accepted only when every row of every table
// passes; the first failure rejects the whole payload.
package ownership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/storage"
)

// ValidationError names the record that failed validation.
type ValidationError struct {
	Table    string
	RecordID string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("ownership: table %s: %s", e.Table, e.Reason)
	}
	return fmt.Sprintf("ownership: table %s record %s: %s", e.Table, e.RecordID, e.Reason)
}

// Store resolves existing ownership.
type Store interface {
	UserHostID(ctx context.Context, userID int64) (string, error)
	RowHostID(ctx context.Context, def model.SyncTable, rec model.Record) (hostID string, found bool, err error)
}

// Validator checks sync payloads against per-table ownership rules.
type Validator struct {
	store  Store
	tables map[string]model.SyncTable
}

// NewValidator creates a Validator over the given table definitions.
func NewValidator(store Store, tables map[string]model.SyncTable) *Validator {
	return &Validator{store: store, tables: tables}
}

// Tables returns the table definitions the validator enforces.
func (v *Validator) Tables() map[string]model.SyncTable {
	return v.tables
}

// Validate checks every record of payload against hostID. It returns a
// *ValidationError for the first record that fails, or a wrapped store
// error when ownership could not be determined.
func (v *Validator) Validate(ctx context.Context, hostID string, payload map[string][]model.Record) error {
	// Users created in this payload resolve to hostID once their own
	// direct_host_id check has passed.
	owners := make(map[int64]string)

	for _, name := range validationOrder(payload) {
		def, ok := v.tables[name]
		if !ok {
			return &ValidationError{Table: name, Reason: "no ownership rule configured"}
		}
		if def.Rule == model.RuleNone {
			continue
		}
		for _, rec := range payload[name] {
			if err := v.check(ctx, hostID, def, rec, owners); err != nil {
				return err
			}
			if name == "users" {
				if id, ok := asInt64(rec["id"]); ok {
					owners[id] = hostID
				}
			}
		}
	}
	return nil
}

func (v *Validator) check(ctx context.Context, hostID string, def model.SyncTable, rec model.Record, owners map[int64]string) error {
	fail := func(format string, args ...any) error {
		return &ValidationError{Table: def.Name, RecordID: recordID(def, rec), Reason: fmt.Sprintf(format, args...)}
	}

	for _, col := range slices.Sorted(maps.Keys(rec)) {
		if !def.HasColumn(col) {
			return fail("unknown column %q", col)
		}
	}
	for _, col := range def.PrimaryKey {
		if rec[col] == nil {
			return fail("missing primary key column %q", col)
		}
	}

	switch def.Rule {
	case model.RuleDirectID:
		if id, _ := asString(rec["id"]); id != hostID {
			return fail("id does not match host")
		}

	case model.RuleDirectHostID:
		if h, _ := asString(rec["host_id"]); h != hostID {
			return fail("host_id does not match host")
		}
		existing, found, err := v.store.RowHostID(ctx, def, rec)
		if err != nil {
			return fmt.Errorf("ownership: %s: %w", def.Name, err)
		}
		if found && existing != hostID {
			return fail("row is owned by another host")
		}

	case model.RuleJoinUser, model.RuleJoinUpdatedBy:
		col := "user_id"
		if def.Rule == model.RuleJoinUpdatedBy {
			col = "updated_by"
		}
		userID, ok := asInt64(rec[col])
		if !ok {
			return fail("missing %s", col)
		}
		owner, err := v.userHost(ctx, userID, owners)
		if err != nil {
			return err
		}
		if owner != hostID {
			return fail("%s %d is not owned by host", col, userID)
		}

	default:
		return fail("unsupported rule %q", def.Rule)
	}
	return nil
}

// userHost resolves a user's owning host, caching the answer for the rest
// of the payload. Unknown users and hub-owned users resolve to "".
func (v *Validator) userHost(ctx context.Context, userID int64, owners map[int64]string) (string, error) {
	if h, ok := owners[userID]; ok {
		return h, nil
	}
	h, err := v.store.UserHostID(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		h, err = "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ownership: resolve user %d: %w", userID, err)
	}
	owners[userID] = h
	return h, nil
}

// validationOrder visits tables parents first so rows created in the same
// payload can vouch for their children. Tables outside the apply order
// follow in name order.
func validationOrder(payload map[string][]model.Record) []string {
	out := make([]string, 0, len(payload))
	for _, name := range model.SyncApplyOrder {
		if _, ok := payload[name]; ok {
			out = append(out, name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(payload)) {
		if !slices.Contains(model.SyncApplyOrder, name) {
			out = append(out, name)
		}
	}
	return out
}

func recordID(def model.SyncTable, rec model.Record) string {
	parts := make([]string, len(def.PrimaryKey))
	for i, col := range def.PrimaryKey {
		parts[i] = fmt.Sprint(rec[col])
	}
	return strings.Join(parts, "/")
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	default:
		return "", false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		return n, err == nil
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
