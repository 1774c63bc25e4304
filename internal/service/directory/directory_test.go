package directory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/service/directory"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/testutil"
)

const accessKey = "dir-key"

type fixture struct {
	db  *storage.DB
	reg *registry.Registry
	b   *directory.Broadcaster
	url string
}

func newFixture(t *testing.T, register bool) *fixture {
	t.Helper()
	db := testutil.NewSQLiteDB(t)
	reg := registry.New(db, auth.NewAuthenticator(accessKey, nil), idgen.New(),
		registry.Config{SchemaVersion: db.SchemaVersion()}, testutil.TestLogger(), nil)
	b := directory.NewBroadcaster(db, reg, testutil.TestLogger())
	if register {
		b.Register()
	}
	srv := httptest.NewServer(reg)
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	return &fixture{db: db, reg: reg, b: b, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T, id auth.Identity) *testutil.Client {
	t.Helper()
	c, _, err := testutil.DialHub(t, f.url, accessKey, id, nil)
	require.NoError(t, err)
	c.Welcome(t)
	return c
}

func TestRefreshBroadcastsOnlyChanges(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c := f.dial(t, auth.Identity{Kind: model.KindHost, Name: "alpha"})

	require.NoError(t, f.b.Refresh(ctx))
	got := c.Collect(200 * time.Millisecond)
	assert.Equal(t, 1, testutil.CountEvents(got, model.EventUsersUpdated))
	assert.Equal(t, 1, testutil.CountEvents(got, model.EventHostList))

	require.NoError(t, f.b.Refresh(ctx))
	assert.Empty(t, c.Collect(200*time.Millisecond), "identical snapshots are not re-sent")

	_, err := f.db.CreateUser(ctx, model.User{Username: "ann"})
	require.NoError(t, err)
	require.NoError(t, f.b.Refresh(ctx))
	got = c.Collect(200 * time.Millisecond)
	assert.Equal(t, 1, testutil.CountEvents(got, model.EventUsersUpdated))
	assert.Zero(t, testutil.CountEvents(got, model.EventHostList))
}

func TestConcurrentRefreshesSendOnce(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c := f.dial(t, auth.Identity{Kind: model.KindHost, Name: "alpha"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.b.Refresh(ctx))
		}()
	}
	wg.Wait()

	got := c.Collect(200 * time.Millisecond)
	assert.Equal(t, 1, testutil.CountEvents(got, model.EventUsersUpdated))
}

func TestNewConnectionGetsSnapshot(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	alphaID := "alpha-id"
	_, err := f.db.CreateUser(ctx, model.User{Username: "ann", HostID: &alphaID})
	require.NoError(t, err)

	c := f.dial(t, auth.Identity{Kind: model.KindRunner, Name: "r1", HostName: "zeta"})
	got := c.WaitAll(t, model.EventUsersUpdated, model.EventHostList)

	var users model.UsersUpdated
	require.NoError(t, json.Unmarshal(got[model.EventUsersUpdated].Payload, &users))
	require.Len(t, users.Users, 1)
	assert.Equal(t, "ann", users.Users[0].Username)
	assert.Equal(t, []string{}, users.Users[0].AssignedHostIDs)

	var hosts model.HostList
	require.NoError(t, json.Unmarshal(got[model.EventHostList].Payload, &hosts))
	require.Len(t, hosts.Hosts, 1)
	assert.Equal(t, "zeta", hosts.Hosts[0].Name)

	extra := c.Collect(200 * time.Millisecond)
	assert.Zero(t, testutil.CountEvents(extra, model.EventUsersUpdated), "snapshot is sent once")
	assert.Zero(t, testutil.CountEvents(extra, model.EventHostList), "snapshot is sent once")
}

func TestRefreshNeverMissesAChange(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	c := f.dial(t, auth.Identity{Kind: model.KindHost, Name: "alpha"})
	require.NoError(t, f.b.Refresh(ctx))
	c.Collect(100 * time.Millisecond)

	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("user-%02d", i)

		// A refresh already in flight must not absorb the one that follows
		// the write.
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.b.Refresh(ctx))
		}()
		_, err := f.db.CreateUser(ctx, model.User{Username: name})
		require.NoError(t, err)
		require.NoError(t, f.b.Refresh(ctx))
		wg.Wait()

		waitForUser(t, c, name)
	}
}

// waitForUser reads users_updated events until one lists name. Frames can
// be delivered out of order, so older snapshots are skipped.
func waitForUser(t *testing.T, c *testutil.Client, name string) {
	t.Helper()
	for {
		var users model.UsersUpdated
		c.NextPayload(t, model.EventUsersUpdated, &users)
		for _, u := range users.Users {
			if u.Username == name {
				return
			}
		}
	}
}

func TestHostListSortedAndExcludesHubs(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	f.dial(t, auth.Identity{Kind: model.KindHost, Name: "mike"})
	f.dial(t, auth.Identity{Kind: model.KindRunner, Name: "r1", HostName: "bravo"})
	f.dial(t, auth.Identity{Kind: model.KindRunner, Name: "r2", HostName: "bravo"})
	f.dial(t, auth.Identity{Kind: model.KindHub, Name: "other-hub"})

	_, hosts, err := f.b.Snapshot(ctx)
	require.NoError(t, err)
	names := make([]string, len(hosts.Hosts))
	for i, h := range hosts.Hosts {
		names[i] = h.Name
	}
	assert.Equal(t, []string{"bravo", "mike"}, names)
}

func TestUsersChangedEventRefreshes(t *testing.T) {
	f := newFixture(t, true)
	c := f.dial(t, auth.Identity{Kind: model.KindHost, Name: "alpha"})
	c.Collect(200 * time.Millisecond)

	_, err := f.db.CreateUser(context.Background(), model.User{Username: "late"})
	require.NoError(t, err)
	require.NoError(t, c.Conn.Emit(model.EventUsersChanged, struct{}{}))

	var users model.UsersUpdated
	c.NextPayload(t, model.EventUsersUpdated, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "late", users.Users[0].Username)
}

func TestWatcherPollsForOutsideEdits(t *testing.T) {
	f := newFixture(t, true)
	c := f.dial(t, auth.Identity{Kind: model.KindHost, Name: "alpha"})
	c.Collect(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := directory.NewWatcher(f.db, f.b, 20*time.Millisecond, testutil.TestLogger())
	go func() { _ = w.Run(ctx) }()

	// Let the watcher take its baseline first.
	time.Sleep(100 * time.Millisecond)
	_, err := f.db.CreateUser(context.Background(), model.User{Username: "admin-made"})
	require.NoError(t, err)

	var users model.UsersUpdated
	c.NextPayload(t, model.EventUsersUpdated, &users)
	require.Len(t, users.Users, 1)
	assert.Equal(t, "admin-made", users.Users[0].Username)
}
