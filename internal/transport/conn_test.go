package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type echo struct {
	Text string `json:"text"`
}

// startServer serves h on a websocket endpoint and returns a dialed client.
func startServer(t *testing.T, h transport.Handler) *transport.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := transport.New(ws, transport.Config{}, testLogger())
		_ = conn.Run(r.Context(), h)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := transport.Dial(ctx, url, nil, transport.Config{}, testLogger())
	require.NoError(t, err)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = client.Run(ctx, func(context.Context, transport.Envelope) (any, error) { return nil, nil })
	}()
	t.Cleanup(func() {
		cancel()
		<-runDone
	})
	return client
}

func TestRequestResponse(t *testing.T) {
	client := startServer(t, func(_ context.Context, env transport.Envelope) (any, error) {
		var in echo
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			return nil, err
		}
		return echo{Text: strings.ToUpper(in.Text)}, nil
	})

	var out echo
	err := client.Request(context.Background(), model.EventSessionCreate, echo{Text: "hi"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "HI", out.Text)
}

func TestRequestRemoteError(t *testing.T) {
	client := startServer(t, func(context.Context, transport.Envelope) (any, error) {
		return nil, errors.New("no such user")
	})

	err := client.Request(context.Background(), model.EventUserLookup, echo{}, nil)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such user", remote.Message)
	assert.Equal(t, model.EventUserLookup, remote.Event)
}

func TestHandlerPanicKeepsConnectionAlive(t *testing.T) {
	client := startServer(t, func(_ context.Context, env transport.Envelope) (any, error) {
		if env.Event == model.EventSessionCreate {
			panic("boom")
		}
		return echo{Text: "still here"}, nil
	})

	err := client.Request(context.Background(), model.EventSessionCreate, echo{}, nil)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)

	var out echo
	require.NoError(t, client.Request(context.Background(), model.EventSessionIncrement, echo{}, &out))
	assert.Equal(t, "still here", out.Text)
}

func TestEmitDeliversEvents(t *testing.T) {
	got := make(chan transport.Envelope, 1)
	client := startServer(t, func(_ context.Context, env transport.Envelope) (any, error) {
		got <- env
		return nil, nil
	})

	require.NoError(t, client.Emit(model.EventHeartbeat, model.Heartbeat{ActiveUserIDs: []int64{7}}))

	select {
	case env := <-got:
		assert.Equal(t, transport.KindEvent, env.Kind)
		assert.Equal(t, model.EventHeartbeat, env.Event)
		assert.Zero(t, env.ID)
		assert.JSONEq(t, `{"activeUserIds":[7]}`, string(env.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRequestTimesOutOnCallerSide(t *testing.T) {
	release := make(chan struct{})
	client := startServer(t, func(ctx context.Context, _ transport.Envelope) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Request(ctx, model.EventSessionCreate, echo{}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendAfterCloseFails(t *testing.T) {
	client := startServer(t, func(context.Context, transport.Envelope) (any, error) { return nil, nil })
	client.Close()

	assert.ErrorIs(t, client.Emit(model.EventHeartbeat, model.Heartbeat{}), transport.ErrClosed)
	assert.ErrorIs(t, client.Request(context.Background(), model.EventSessionCreate, echo{}, nil), transport.ErrClosed)
}
