package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/service/ingest"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/testutil"
	"github.com/swax/naisys-hub/internal/transport"
)

func setup(t *testing.T) (*storage.DB, *ingest.Service, model.RunSession) {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	svc := ingest.New(db, idgen.New(), testutil.TestLogger(), nil)
	rs, err := db.CreateRunSession(context.Background(), 7, "host-a", "gpt", time.Now())
	require.NoError(t, err)
	return db, svc, rs
}

func entry(rs model.RunSession, msg string) model.LogWriteEntry {
	return model.LogWriteEntry{
		UserID: rs.UserID, RunID: rs.RunID, SessionID: rs.SessionID,
		Role: "llm", Source: "llm", Type: "comment", Message: msg,
	}
}

func TestWriteLogsPreservesBatchOrder(t *testing.T) {
	db, svc, rs := setup(t)
	ctx := context.Background()

	batch := []model.LogWriteEntry{entry(rs, "first"), entry(rs, "second\nline"), entry(rs, "third")}
	n, err := svc.WriteLogs(ctx, "host-a", batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := db.ListLogEntries(ctx, rs.Key())
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, batch[i].Message, e.Message)
		assert.Equal(t, "host-a", e.HostID)
		if i > 0 {
			assert.Greater(t, e.ID, got[i-1].ID)
		}
	}

	sess, err := db.GetRunSession(ctx, rs.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(4), sess.TotalLines)
	assert.Equal(t, got[2].ID, sess.LatestLogID)
}

func TestWriteLogsAbortsAtFirstFailure(t *testing.T) {
	db, svc, rs := setup(t)
	ctx := context.Background()

	bad := entry(rs, "no such session")
	bad.SessionID = 99
	batch := []model.LogWriteEntry{entry(rs, "kept"), bad, entry(rs, "never written")}

	n, err := svc.WriteLogs(ctx, "host-a", batch)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	var ee *ingest.EntryError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 1, ee.Index)
	assert.Equal(t, int64(99), ee.Key.SessionID)

	got, err := db.ListLogEntries(ctx, rs.Key())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "kept", got[0].Message)
}

func TestWriteLogsUsesSuppliedCreatedAt(t *testing.T) {
	db, svc, rs := setup(t)
	ctx := context.Background()

	e := entry(rs, "stamped")
	e.CreatedAt = 1_600_000_000_000
	_, err := svc.WriteLogs(ctx, "host-a", []model.LogWriteEntry{e})
	require.NoError(t, err)

	got, err := db.ListLogEntries(ctx, rs.Key())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1_600_000_000_000), got[0].CreatedAt.UnixMilli())
}

func TestConcurrentBatchesKeepIdsMonotonic(t *testing.T) {
	db, svc, rs := setup(t)
	ctx := context.Background()

	const writers, perBatch = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]model.LogWriteEntry, perBatch)
			for i := range batch {
				batch[i] = entry(rs, fmt.Sprintf("w%d-%02d", w, i))
			}
			_, err := svc.WriteLogs(ctx, "host-a", batch)
			assert.NoError(t, err)
		}(w)
	}
	wg.Wait()

	got, err := db.ListLogEntries(ctx, rs.Key())
	require.NoError(t, err)
	require.Len(t, got, writers*perBatch)

	// Within each writer's batch, id order matches array order.
	byWriter := map[string][]string{}
	for _, e := range got {
		byWriter[e.Message[:2]] = append(byWriter[e.Message[:2]], e.Message)
	}
	for w, msgs := range byWriter {
		assert.True(t, sort.StringsAreSorted(msgs), "writer %s out of order: %v", w, msgs)
	}
}

func TestWriteCostsAccumulates(t *testing.T) {
	db, svc, rs := setup(t)
	ctx := context.Background()

	n, err := svc.WriteCosts(ctx, "host-a", []model.CostWriteEntry{
		{UserID: rs.UserID, RunID: rs.RunID, SessionID: 1, Model: "gpt", Cost: 0.1, InputTokens: 100},
		{UserID: rs.UserID, RunID: rs.RunID, SessionID: 1, Model: "gpt", Cost: 0.2, OutputTokens: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sess, err := db.GetRunSession(ctx, rs.Key())
	require.NoError(t, err)
	assert.InDelta(t, 0.3, sess.TotalCost, 1e-9)
}

func TestLogWriteTakesHostFromConnection(t *testing.T) {
	db, svc, rs := setup(t)
	reg := registry.New(db, auth.NewAuthenticator("k", nil), idgen.New(), registry.Config{}, testutil.TestLogger(), nil)
	svc.Register(reg)

	raw, err := json.Marshal(model.LogWrite{Entries: []model.LogWriteEntry{entry(rs, "via wire")}})
	require.NoError(t, err)
	c := &registry.Client{ID: "c1", Kind: model.KindRunner, Name: "r1", HostID: "host-a", RunnerID: "runner-1"}
	_, err = reg.Dispatch(c)(context.Background(), transport.Envelope{Kind: transport.KindEvent, Event: model.EventLogWrite, Payload: raw})
	require.NoError(t, err)

	got, err := db.ListLogEntries(context.Background(), rs.Key())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "host-a", got[0].HostID)
}
