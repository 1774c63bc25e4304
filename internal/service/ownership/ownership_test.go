package ownership_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/service/ownership"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/testutil"
)

func payload(t *testing.T, s string) map[string][]model.Record {
	t.Helper()
	var p map[string][]model.Record
	require.NoError(t, json.Unmarshal([]byte(s), &p))
	return p
}

type fixture struct {
	db    *storage.DB
	v     *ownership.Validator
	alpha model.Host
	beta  model.Host
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	ids := idgen.New()
	ctx := context.Background()
	alpha, err := db.UpsertHost(ctx, "alpha", ids.Next, time.Now())
	require.NoError(t, err)
	beta, err := db.UpsertHost(ctx, "beta", ids.Next, time.Now())
	require.NoError(t, err)
	return &fixture{db: db, v: ownership.NewValidator(db, model.SyncTables()), alpha: alpha, beta: beta}
}

func requireRejected(t *testing.T, err error, table string) *ownership.ValidationError {
	t.Helper()
	var ve *ownership.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, table, ve.Table)
	return ve
}

func TestValidateAcceptsOwnedRows(t *testing.T) {
	f := newFixture(t)
	p := payload(t, `{
		"hosts": [{"id": "`+f.alpha.ID+`", "name": "alpha"}],
		"users": [{"id": 10, "username": "ann", "host_id": "`+f.alpha.ID+`"}],
		"user_hosts": [{"user_id": 10, "host_id": "`+f.beta.ID+`"}],
		"user_notifications": [{"user_id": 10, "last_active": 5}],
		"context_log": [{"id": "log-1", "user_id": 10, "run_id": 1, "session_id": 1, "host_id": "`+f.alpha.ID+`"}],
		"config_revisions": [{"id": "rev-1", "user_id": 10, "config": "{}", "updated_by": 10}],
		"sync_state": [{"host_id": "anything"}]
	}`)
	assert.NoError(t, f.v.Validate(context.Background(), f.alpha.ID, p))
}

func TestValidateDirectID(t *testing.T) {
	f := newFixture(t)
	p := payload(t, `{"hosts": [{"id": "`+f.beta.ID+`", "name": "beta"}]}`)
	ve := requireRejected(t, f.v.Validate(context.Background(), f.alpha.ID, p), "hosts")
	assert.Equal(t, f.beta.ID, ve.RecordID)
}

func TestValidateDirectHostID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := payload(t, `{"context_log": [{"id": "log-1", "host_id": "`+f.beta.ID+`"}]}`)
	ve := requireRejected(t, f.v.Validate(ctx, f.alpha.ID, p), "context_log")
	assert.Equal(t, "log-1", ve.RecordID)

	// A row beta already owns cannot be claimed by rewriting host_id.
	rs, err := f.db.CreateRunSession(ctx, 3, f.beta.ID, "gpt", time.Now())
	require.NoError(t, err)
	p = payload(t, `{"run_session": [{"user_id": 3, "run_id": `+jsonInt(rs.RunID)+`, "session_id": 1, "host_id": "`+f.alpha.ID+`"}]}`)
	ve = requireRejected(t, f.v.Validate(ctx, f.alpha.ID, p), "run_session")
	assert.Contains(t, ve.Reason, "another host")
}

func TestValidateJoinUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	betaUser, err := f.db.CreateUser(ctx, model.User{Username: "bo", HostID: &f.beta.ID})
	require.NoError(t, err)
	hubUser, err := f.db.CreateUser(ctx, model.User{Username: "hub-admin"})
	require.NoError(t, err)

	cases := map[string]string{
		"other host's user": `{"user_notifications": [{"user_id": ` + jsonInt(betaUser.ID) + `}]}`,
		"hub-owned user":    `{"user_notifications": [{"user_id": ` + jsonInt(hubUser.ID) + `}]}`,
		"unknown user":      `{"user_notifications": [{"user_id": 999}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			requireRejected(t, f.v.Validate(ctx, f.alpha.ID, payload(t, body)), "user_notifications")
		})
	}
}

func TestValidateMissingJoinColumn(t *testing.T) {
	f := newFixture(t)
	p := payload(t, `{"config_revisions": [{"id": "rev-9", "user_id": 1, "config": "{}"}]}`)
	ve := requireRejected(t, f.v.Validate(context.Background(), f.alpha.ID, p), "config_revisions")
	assert.Equal(t, "rev-9", ve.RecordID)
	assert.Contains(t, ve.Reason, "updated_by")
}

func TestValidateRejectsUnknownTablesAndColumns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ve := requireRejected(t, f.v.Validate(ctx, f.alpha.ID, payload(t, `{"mail": [{"id": 1}]}`)), "mail")
	assert.Contains(t, ve.Reason, "no ownership rule")

	p := payload(t, `{"users": [{"id": 10, "username": "ann", "host_id": "`+f.alpha.ID+`", "password": "x"}]}`)
	ve = requireRejected(t, f.v.Validate(ctx, f.alpha.ID, p), "users")
	assert.Contains(t, ve.Reason, "password")
}

func TestValidateFirstFailureWins(t *testing.T) {
	f := newFixture(t)
	p := payload(t, `{
		"users": [
			{"id": 10, "username": "ann", "host_id": "`+f.alpha.ID+`"},
			{"id": 11, "username": "eve", "host_id": "`+f.beta.ID+`"},
			{"id": 12, "username": "zed", "host_id": "nope"}
		]
	}`)
	ve := requireRejected(t, f.v.Validate(context.Background(), f.alpha.ID, p), "users")
	assert.Equal(t, "11", ve.RecordID)
}

type countingStore struct {
	owners map[int64]string
	calls  int
}

func (s *countingStore) UserHostID(_ context.Context, id int64) (string, error) {
	s.calls++
	h, ok := s.owners[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	return h, nil
}

func (s *countingStore) RowHostID(context.Context, model.SyncTable, model.Record) (string, bool, error) {
	return "", false, nil
}

func TestValidateCachesUserOwnerPerCall(t *testing.T) {
	store := &countingStore{owners: map[int64]string{5: "h1"}}
	v := ownership.NewValidator(store, model.SyncTables())
	p := payload(t, `{
		"user_hosts": [{"user_id": 5, "host_id": "h1"}, {"user_id": 5, "host_id": "h2"}],
		"user_notifications": [{"user_id": 5}]
	}`)
	require.NoError(t, v.Validate(context.Background(), "h1", p))
	assert.Equal(t, 1, store.calls)

	require.NoError(t, v.Validate(context.Background(), "h1", p))
	assert.Equal(t, 2, store.calls, "cache does not outlive a call")
}

func TestRuleOverrideToNoneSkipsChecks(t *testing.T) {
	tables := model.SyncTables()
	require.NoError(t, model.ApplyRuleOverrides(tables, map[string]model.OwnershipRule{"hosts": model.RuleNone}))
	v := ownership.NewValidator(&countingStore{}, tables)
	assert.NoError(t, v.Validate(context.Background(), "h1", payload(t, `{"hosts": [{"id": "other"}]}`)))
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
