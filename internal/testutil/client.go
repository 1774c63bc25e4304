package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/transport"
)

// RequestFunc answers a hub request on a test client. It runs after the
// client has received its welcome.
type RequestFunc func(w model.Welcome, payload json.RawMessage) (any, error)

// Client is the far end of a hub connection, driven by a test.
type Client struct {
	Conn *transport.Conn

	events   chan transport.Envelope
	welcomed chan struct{}
	welcome  model.Welcome
}

// DialHub connects to a hub websocket endpoint as id. Inbound events are
// queued for Next; requests are answered by the matching entry of requests.
// The connection is closed when the test ends.
func DialHub(t testing.TB, url, accessKey string, id auth.Identity, requests map[model.Event]RequestFunc) (*Client, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	auth.SetHeaders(header, accessKey, id)

	ctx, cancel := context.WithCancel(context.Background())
	conn, resp, err := transport.Dial(ctx, url, header, transport.Config{}, TestLogger())
	if err != nil {
		cancel()
		return nil, resp, err
	}

	c := &Client{
		Conn:     conn,
		events:   make(chan transport.Envelope, 256),
		welcomed: make(chan struct{}),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.Run(ctx, func(_ context.Context, env transport.Envelope) (any, error) {
			if env.Kind == transport.KindRequest {
				fn, ok := requests[env.Event]
				if !ok {
					return nil, fmt.Errorf("no handler for %s", env.Event)
				}
				select {
				case <-c.welcomed:
				case <-time.After(5 * time.Second):
					return nil, fmt.Errorf("%s arrived before welcome", env.Event)
				}
				return fn(c.welcome, env.Payload)
			}
			if env.Event == model.EventWelcome {
				if err := json.Unmarshal(env.Payload, &c.welcome); err == nil {
					close(c.welcomed)
				}
			}
			select {
			case c.events <- env:
			default:
			}
			return nil, nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, resp, nil
}

// Welcome waits for and returns the hub's welcome.
func (c *Client) Welcome(t testing.TB) model.Welcome {
	t.Helper()
	select {
	case <-c.welcomed:
		return c.welcome
	case <-time.After(5 * time.Second):
		t.Fatal("no welcome received")
		return model.Welcome{}
	}
}

// Next waits for the next event named event, discarding others.
func (c *Client) Next(t testing.TB, event model.Event) transport.Envelope {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env := <-c.events:
			if env.Event == event {
				return env
			}
		case <-timeout:
			t.Fatalf("no %s received", event)
			return transport.Envelope{}
		}
	}
}

// WaitAll waits until each named event has arrived at least once, in any
// order, and returns the first envelope of each. Other events are discarded.
func (c *Client) WaitAll(t testing.TB, events ...model.Event) map[model.Event]transport.Envelope {
	t.Helper()
	got := make(map[model.Event]transport.Envelope, len(events))
	timeout := time.After(5 * time.Second)
	for len(got) < len(events) {
		select {
		case env := <-c.events:
			for _, e := range events {
				if env.Event == e {
					if _, seen := got[e]; !seen {
						got[e] = env
					}
				}
			}
		case <-timeout:
			t.Fatalf("waiting for %v, got %d of them", events, len(got))
			return got
		}
	}
	return got
}

// NextPayload waits for event and decodes its payload into out.
func (c *Client) NextPayload(t testing.TB, event model.Event, out any) {
	t.Helper()
	env := c.Next(t, event)
	if err := json.Unmarshal(env.Payload, out); err != nil {
		t.Fatalf("decode %s: %v", event, err)
	}
}

// Collect returns every event that arrives within d.
func (c *Client) Collect(d time.Duration) []transport.Envelope {
	var out []transport.Envelope
	deadline := time.After(d)
	for {
		select {
		case env := <-c.events:
			out = append(out, env)
		case <-deadline:
			return out
		}
	}
}

// CountEvents counts envelopes named event.
func CountEvents(envs []transport.Envelope, event model.Event) int {
	n := 0
	for _, env := range envs {
		if env.Event == event {
			n++
		}
	}
	return n
}
