package hub_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/swax/naisys-hub"
	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/config"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/server"
	"github.com/swax/naisys-hub/internal/testutil"
)

const accessKey = "e2e-access-key"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DatabaseURL:           filepath.Join(t.TempDir(), "hub.db"),
		StoreMaxAttempts:      5,
		StoreBaseDelay:        10 * time.Millisecond,
		AccessKey:             accessKey,
		TokenTTL:              time.Hour,
		HeartbeatInterval:     50 * time.Millisecond,
		PresenceInterval:      50 * time.Millisecond,
		PresenceWindow:        400 * time.Millisecond,
		SyncInterval:          time.Hour,
		SyncTimeout:           2 * time.Second,
		AckTimeout:            2 * time.Second,
		DirectoryPollInterval: 50 * time.Millisecond,
		Name:                  "hub-e2e",
		PeerRetryDelay:        100 * time.Millisecond,
		ServiceName:           "naisys-hub-test",
	}
}

// startHub runs an App on a loopback listener and returns its base URL.
func startHub(t *testing.T, cfg config.Config) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	app, err := hub.New(hub.WithConfig(cfg), hub.WithListener(l), hub.WithLogger(testutil.TestLogger()), hub.WithVersion("e2e"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return "http://" + l.Addr().String()
}

func wsURL(base string) string {
	return "ws" + base[len("http"):] + "/ws"
}

// waitStatus reads heartbeat_status broadcasts until one matches want.
func waitStatus(t *testing.T, c *testutil.Client, want []int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last model.HeartbeatStatus
	for time.Now().Before(deadline) {
		last = model.HeartbeatStatus{}
		c.NextPayload(t, model.EventHeartbeatStatus, &last)
		if assert.ObjectsAreEqual(want, last.ActiveUserIDs) {
			return
		}
	}
	t.Fatalf("heartbeat_status never reached %v, last %v", want, last.ActiveUserIDs)
}

func emptySync(w model.Welcome, _ json.RawMessage) (any, error) {
	return model.SyncResponse{HostID: w.HostID, SchemaVersion: w.SchemaVersion}, nil
}

func TestPresenceEndToEnd(t *testing.T) {
	base := startHub(t, testConfig(t))
	url := wsURL(base)

	host, _, err := testutil.DialHub(t, url, accessKey,
		auth.Identity{Kind: model.KindHost, Name: "alpha", HostName: "alpha"},
		map[model.Event]testutil.RequestFunc{model.EventSyncRequest: emptySync})
	require.NoError(t, err)
	hostWelcome := host.Welcome(t)

	runnerA, _, err := testutil.DialHub(t, url, accessKey,
		auth.Identity{Kind: model.KindRunner, Name: "runner-a", HostName: "alpha"}, nil)
	require.NoError(t, err)
	assert.Equal(t, hostWelcome.HostID, runnerA.Welcome(t).HostID, "runner shares its host's id")

	runnerB, _, err := testutil.DialHub(t, url, accessKey,
		auth.Identity{Kind: model.KindRunner, Name: "runner-b", HostName: "beta"}, nil)
	require.NoError(t, err)
	runnerB.Welcome(t)

	// Runner A keeps user 7 alive for a while, then goes quiet.
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			_ = runnerA.Conn.Emit(model.EventHeartbeat, model.Heartbeat{ActiveUserIDs: []int64{7}})
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	waitStatus(t, runnerB, []int64{7})
	close(stop)
	waitStatus(t, runnerB, []int64{})
}

func TestSessionsAndIngestEndToEnd(t *testing.T) {
	base := startHub(t, testConfig(t))

	runner, _, err := testutil.DialHub(t, wsURL(base), accessKey,
		auth.Identity{Kind: model.KindRunner, Name: "runner-a", HostName: "alpha"}, nil)
	require.NoError(t, err)
	runner.Welcome(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var created model.SessionCreateResponse
	require.NoError(t, runner.Conn.Request(ctx, model.EventSessionCreate,
		model.SessionCreateRequest{UserID: 7, ModelName: "claude"}, &created))
	require.True(t, created.Success, created.Error)
	assert.Equal(t, int64(1), created.RunID)
	assert.Equal(t, int64(1), created.SessionID)

	var next model.SessionIncrementResponse
	require.NoError(t, runner.Conn.Request(ctx, model.EventSessionIncrement,
		model.SessionIncrementRequest{UserID: 7, RunID: created.RunID}, &next))
	require.True(t, next.Success, next.Error)
	assert.Equal(t, int64(2), next.SessionID)

	var again model.SessionCreateResponse
	require.NoError(t, runner.Conn.Request(ctx, model.EventSessionCreate,
		model.SessionCreateRequest{UserID: 8}, &again))
	assert.Equal(t, int64(2), again.RunID, "run numbers are global across users")
}

func TestSyncedUserReachesDirectory(t *testing.T) {
	base := startHub(t, testConfig(t))
	url := wsURL(base)

	observer, _, err := testutil.DialHub(t, url, accessKey,
		auth.Identity{Kind: model.KindRunner, Name: "observer", HostName: "beta"}, nil)
	require.NoError(t, err)
	observer.Welcome(t)

	pages := map[model.Event]testutil.RequestFunc{
		model.EventSyncRequest: func(w model.Welcome, payload json.RawMessage) (any, error) {
			var req model.SyncRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			resp := model.SyncResponse{HostID: w.HostID, SchemaVersion: w.SchemaVersion, Cursor: req.Since}
			if req.Since == 0 {
				resp.Cursor = 10
				resp.Tables = map[string][]model.Record{
					"users": {{
						"id": 42, "username": "alice", "host_id": w.HostID,
						"config": "{}", "created_at": 1, "updated_at": 1,
					}},
				}
			}
			return resp, nil
		},
	}
	_, _, err = testutil.DialHub(t, url, accessKey,
		auth.Identity{Kind: model.KindHost, Name: "alpha", HostName: "alpha"}, pages)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var upd model.UsersUpdated
		observer.NextPayload(t, model.EventUsersUpdated, &upd)
		for _, u := range upd.Users {
			if u.UserID == 42 {
				assert.Equal(t, "alice", u.Username)
				return
			}
		}
	}
	t.Fatal("synced user never reached the directory")
}

func TestHealthEndToEnd(t *testing.T) {
	base := startHub(t, testConfig(t))

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body server.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "e2e", body.Version)
	assert.Equal(t, "connected", body.Store)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.AccessKey = ""
	_, err := hub.New(hub.WithConfig(cfg), hub.WithLogger(testutil.TestLogger()))
	require.ErrorContains(t, err, "HUB_ACCESS_KEY")
}
