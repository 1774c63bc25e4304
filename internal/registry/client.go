package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/transport"
)

// Client is one live connection and the identity it registered as.
type Client struct {
	// ID identifies this connection, not the host or runner behind it. A
	// reconnecting runner gets a new ID but the same RunnerID.
	ID       string
	Kind     model.ClientKind
	Name     string
	HostID   string
	HostName string
	// RunnerID is set for runner connections only.
	RunnerID string
	// PeerURL is set on clients that represent an outbound federation link.
	PeerURL     string
	ConnectedAt time.Time

	conn *transport.Conn
}

// NewPeerClient wraps an outbound connection to another hub so that events
// arriving on it can be dispatched to local handlers.
func NewPeerClient(id, peerURL string, conn *transport.Conn) *Client {
	return &Client{
		ID:          id,
		Kind:        model.KindHub,
		Name:        peerURL,
		PeerURL:     peerURL,
		ConnectedAt: time.Now(),
		conn:        conn,
	}
}

// Emit sends a fire-and-forget event to this client.
func (c *Client) Emit(event model.Event, payload any) error {
	return c.conn.Emit(event, payload)
}

// EmitRaw sends an event whose payload is already serialized.
func (c *Client) EmitRaw(event model.Event, payload json.RawMessage) error {
	return c.conn.EmitRaw(event, payload)
}

// Request sends an acknowledged request to this client and decodes the reply into out.
func (c *Client) Request(ctx context.Context, event model.Event, payload, out any) error {
	return c.conn.Request(ctx, event, payload, out)
}

// Close drops the connection.
func (c *Client) Close() {
	c.conn.Close()
}

// Done is closed when the connection has closed.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

func (c *Client) info() ctxutil.ConnInfo {
	return ctxutil.ConnInfo{
		ClientID: c.ID,
		Kind:     string(c.Kind),
		Name:     c.Name,
		HostID:   c.HostID,
		PeerURL:  c.PeerURL,
	}
}
