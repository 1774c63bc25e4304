//go:build integration

package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/testutil"
)

var pgDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	pgDB = db

	code := m.Run()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresSchemaVersion(t *testing.T) {
	assert.Equal(t, storage.DialectPostgres, pgDB.Dialect())
	assert.Equal(t, 2, pgDB.SchemaVersion())
}

func TestPostgresSessionsAndLogs(t *testing.T) {
	ctx := context.Background()
	ids := idgen.New()
	now := time.Now()

	h, err := pgDB.UpsertHost(ctx, "pg-alpha", ids.Next, now)
	require.NoError(t, err)
	u, err := pgDB.CreateUser(ctx, model.User{Username: "pg-agent", HostID: &h.ID})
	require.NoError(t, err)

	rs, err := pgDB.CreateRunSession(ctx, u.ID, h.ID, "gpt", now)
	require.NoError(t, err)
	next, err := pgDB.IncrementRunSession(ctx, u.ID, rs.RunID, h.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.SessionID)

	require.NoError(t, pgDB.AppendLogEntry(ctx, model.LogEntry{
		ID: ids.Next(), UserID: u.ID, RunID: rs.RunID, SessionID: 1, HostID: h.ID,
		Message: "a\nb", CreatedAt: now,
	}, now))
	got, err := pgDB.GetRunSession(ctx, rs.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TotalLines)
}

func TestPostgresListenNotify(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, pgDB.HasNotifyConn())
	require.NoError(t, pgDB.Listen(ctx, storage.ChannelUsersChanged))
	require.NoError(t, pgDB.Notify(ctx, storage.ChannelUsersChanged, "42"))

	channel, payload, err := pgDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.ChannelUsersChanged, channel)
	assert.Equal(t, "42", payload)
}
