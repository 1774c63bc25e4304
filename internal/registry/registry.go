// Package registry accepts hub connections, assigns them an identity and
// routes their messages to typed handlers.
//
// Domain services never touch the transport. They register handlers per
// model.Event with HandleEvent (fire-and-forget) or HandleRequest
// (acknowledged), and reach clients through Send, Request and Broadcast.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/telemetry"
	"github.com/swax/naisys-hub/internal/transport"
)

// ErrUnknownClient is returned when addressing a connection that is not registered.
var ErrUnknownClient = errors.New("registry: unknown client")

// Store is the identity persistence the registry needs.
type Store interface {
	UpsertHost(ctx context.Context, name string, newID func() string, now time.Time) (model.Host, error)
	UpsertRunner(ctx context.Context, name, hostID string, newID func() string, now time.Time) (model.Runner, error)
}

// Config holds registry settings.
type Config struct {
	// SchemaVersion is announced in every welcome.
	SchemaVersion int
	Transport     transport.Config
	// RequestTimeout bounds each acknowledged request handler. Zero means
	// only the connection's lifetime bounds it.
	RequestTimeout time.Duration
	// Now is the clock used for last-active stamps. Nil means time.Now.
	Now func() time.Time
}

type (
	eventHandler   func(ctx context.Context, c *Client, payload json.RawMessage) error
	requestHandler func(ctx context.Context, c *Client, payload json.RawMessage) (any, error)
	hook           func(ctx context.Context, c *Client)
)

// Registry tracks live connections. Safe for concurrent use; handlers and
// hooks should be registered before serving.
type Registry struct {
	store  Store
	authn  *auth.Authenticator
	ids    *idgen.Generator
	cfg    Config
	logger *slog.Logger
	inst   *telemetry.Instruments
	tracer trace.Tracer

	upgrader websocket.Upgrader
	sessions sync.WaitGroup

	mu       sync.RWMutex
	clients  map[string]*Client
	events   map[model.Event][]eventHandler
	requests map[model.Event]requestHandler
	connect  []hook
	discon   []hook
}

// New creates a Registry. inst may be nil.
func New(store Store, authn *auth.Authenticator, ids *idgen.Generator, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:  store,
		authn:  authn,
		ids:    ids,
		cfg:    cfg,
		logger: logger,
		inst:   inst,
		tracer: telemetry.Tracer(),
		upgrader: websocket.Upgrader{
			// Clients are runners and hubs, not browsers; the access key is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[string]*Client),
		events:   make(map[model.Event][]eventHandler),
		requests: make(map[model.Event]requestHandler),
	}
}

// HandleEvent registers fn for a fire-and-forget event. Several handlers may
// share an event; each runs for every message.
func HandleEvent[T any](r *Registry, event model.Event, fn func(ctx context.Context, c *Client, msg T) error) {
	h := func(ctx context.Context, c *Client, payload json.RawMessage) error {
		var msg T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &msg); err != nil {
				return fmt.Errorf("decode %s: %w", event, err)
			}
		}
		return fn(ctx, c, msg)
	}
	r.mu.Lock()
	r.events[event] = append(r.events[event], h)
	r.mu.Unlock()
}

// HandleRequest registers fn as the single handler for an acknowledged
// request. A later registration for the same event replaces the earlier one.
func HandleRequest[Req, Resp any](r *Registry, event model.Event, fn func(ctx context.Context, c *Client, req Req) (Resp, error)) {
	h := func(ctx context.Context, c *Client, payload json.RawMessage) (any, error) {
		var req Req
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode %s: %w", event, err)
			}
		}
		return fn(ctx, c, req)
	}
	r.mu.Lock()
	r.requests[event] = h
	r.mu.Unlock()
}

// OnConnect registers a hook fired after a connection is registered and
// welcomed (the client_connected hook). Hooks run in their own goroutine.
func (r *Registry) OnConnect(fn func(ctx context.Context, c *Client)) {
	r.mu.Lock()
	r.connect = append(r.connect, fn)
	r.mu.Unlock()
}

// OnDisconnect registers a hook fired after a connection is removed.
func (r *Registry) OnDisconnect(fn func(ctx context.Context, c *Client)) {
	r.mu.Lock()
	r.discon = append(r.discon, fn)
	r.mu.Unlock()
}

// ServeHTTP authenticates the handshake, assigns the connection an identity,
// upgrades it and serves it until it closes. Credential failures are
// answered with 401 before the upgrade, so no handler ever sees them.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	id, err := r.authn.Authenticate(req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, auth.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		r.logger.Warn("registry: handshake rejected",
			"remote_addr", req.RemoteAddr, "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	client, err := r.register(ctx, id)
	if err != nil {
		r.logger.Error("registry: assign identity failed", "name", id.Name, "kind", id.Kind, "error", err)
		http.Error(w, "identity unavailable", http.StatusServiceUnavailable)
		return
	}

	// Upgrade writes the 101 itself and drops headers already set on w.
	var respHeader http.Header
	if rid := w.Header().Get(ctxutil.HeaderRequestID); rid != "" {
		respHeader = http.Header{ctxutil.HeaderRequestID: {rid}}
	}
	ws, err := r.upgrader.Upgrade(w, req, respHeader)
	if err != nil {
		// Upgrade has already written the HTTP error.
		r.logger.Warn("registry: upgrade failed", "name", id.Name, "error", err)
		return
	}
	r.sessions.Add(1)
	defer r.sessions.Done()
	client.conn = transport.New(ws, r.cfg.Transport, r.logger.With("client_id", client.ID, "host_id", client.HostID))

	token, err := r.authn.IssueToken(id)
	if err != nil {
		r.logger.Warn("registry: issue session token", "name", id.Name, "error", err)
	}
	if err := client.Emit(model.EventWelcome, model.Welcome{
		ClientID:      client.ID,
		HostID:        client.HostID,
		Kind:          client.Kind,
		SchemaVersion: r.cfg.SchemaVersion,
		Token:         token,
	}); err != nil {
		r.logger.Warn("registry: send welcome", "client_id", client.ID, "error", err)
	}

	r.add(client)
	r.inst.ConnectionOpened(ctx, string(client.Kind))
	r.logger.Info("registry: client connected",
		"client_id", client.ID, "kind", client.Kind, "name", client.Name, "host_id", client.HostID)

	// Hooks run outside the request goroutine: they may issue requests that
	// need the read loop below to be running.
	hookCtx := context.WithoutCancel(ctx)
	r.sessions.Add(1)
	go func() {
		defer r.sessions.Done()
		r.fire(hookCtx, r.connectHooks(), client)
	}()

	if err := client.conn.Run(ctx, r.Dispatch(client)); err != nil {
		r.logger.Info("registry: connection ended", "client_id", client.ID, "error", err)
	}

	r.remove(client)
	r.inst.ConnectionClosed(hookCtx, string(client.Kind))
	r.logger.Info("registry: client disconnected", "client_id", client.ID, "name", client.Name)
	r.fire(hookCtx, r.disconnectHooks(), client)
}

// register resolves the identity rows for a handshake. Hosts are keyed by
// their own name; runners also register their owning host. Peer hubs own no
// data here, so they get no host row and connect with an empty HostID.
func (r *Registry) register(ctx context.Context, id auth.Identity) (*Client, error) {
	now := r.cfg.Now()
	c := &Client{
		ID:          uuid.NewString(),
		Kind:        id.Kind,
		Name:        id.Name,
		ConnectedAt: now,
	}
	if id.Kind == model.KindHub {
		return c, nil
	}
	host, err := r.store.UpsertHost(ctx, id.HostName, r.ids.Next, now)
	if err != nil {
		return nil, err
	}
	c.HostID, c.HostName = host.ID, host.Name
	if id.Kind == model.KindRunner {
		runner, err := r.store.UpsertRunner(ctx, id.Name, host.ID, r.ids.Next, now)
		if err != nil {
			return nil, err
		}
		c.RunnerID = runner.ID
	}
	return c, nil
}

// Dispatch returns the transport handler that routes c's inbound messages.
// Inbound peer-hub links use it too, so their events reach the same
// handlers tagged with the peer's URL.
func (r *Registry) Dispatch(c *Client) transport.Handler {
	return func(ctx context.Context, env transport.Envelope) (any, error) {
		ctx = ctxutil.WithConn(ctx, c.info())

		switch env.Kind {
		case transport.KindEvent:
			r.mu.RLock()
			handlers := r.events[env.Event]
			r.mu.RUnlock()
			if len(handlers) == 0 {
				r.logger.Debug("registry: unhandled event", "event", env.Event, "client_id", c.ID)
				return nil, nil
			}
			var errs []error
			for _, h := range handlers {
				if err := r.safeEvent(ctx, h, c, env); err != nil {
					errs = append(errs, err)
				}
			}
			return nil, errors.Join(errs...)

		case transport.KindRequest:
			r.mu.RLock()
			h, ok := r.requests[env.Event]
			r.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("unknown request %q", env.Event)
			}
			if r.cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
				defer cancel()
			}
			ctx, span := r.tracer.Start(ctx, "hub."+string(env.Event),
				trace.WithAttributes(
					attribute.String("hub.client_id", c.ID),
					attribute.String("hub.host_id", c.HostID),
				))
			defer span.End()
			resp, err := h(ctx, c, env.Payload)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
			}
			return resp, err
		}
		return nil, nil
	}
}

// safeEvent isolates handlers sharing an event from each other's panics.
func (r *Registry) safeEvent(ctx context.Context, h eventHandler, c *Client, env transport.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry: event handler panic",
				"event", env.Event, "client_id", c.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s handler", env.Event)
		}
	}()
	return h(ctx, c, env.Payload)
}

func (r *Registry) fire(ctx context.Context, hooks []hook, c *Client) {
	for _, h := range hooks {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("registry: hook panic", "client_id", c.ID, "panic", p, "stack", string(debug.Stack()))
				}
			}()
			h(ctx, c)
		}()
	}
}

func (r *Registry) connectHooks() []hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]hook(nil), r.connect...)
}

func (r *Registry) disconnectHooks() []hook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]hook(nil), r.discon...)
}

func (r *Registry) add(c *Client) {
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID)
	r.mu.Unlock()
}

// Client returns a connected client by connection id.
func (r *Registry) Client(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Connected returns a snapshot of live connections ordered by connect time.
func (r *Registry) Connected() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Send emits a fire-and-forget event to one connection.
func (r *Registry) Send(clientID string, event model.Event, payload any) error {
	c, ok := r.Client(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return c.Emit(event, payload)
}

// Request sends an acknowledged request to one connection and waits for the
// typed reply. The caller's ctx bounds the wait.
func (r *Registry) Request(ctx context.Context, clientID string, event model.Event, payload, out any) error {
	c, ok := r.Client(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, clientID)
	}
	return c.Request(ctx, event, payload, out)
}

// Broadcast emits an event to every connection, marshaling the payload once.
// It returns how many connections accepted it.
func (r *Registry) Broadcast(event model.Event, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("registry: marshal %s: %w", event, err)
	}
	return r.BroadcastRaw(event, raw), nil
}

// BroadcastRaw emits an already serialized event to every connection. Slow
// or closing connections are skipped and logged.
func (r *Registry) BroadcastRaw(event model.Event, raw json.RawMessage) int {
	sent := 0
	for _, c := range r.Connected() {
		if err := c.EmitRaw(event, raw); err != nil {
			r.logger.Warn("registry: broadcast skipped client", "event", event, "client_id", c.ID, "error", err)
			continue
		}
		sent++
	}
	r.inst.Broadcast(context.Background(), string(event))
	return sent
}

// CloseAll drops every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	for _, c := range r.Connected() {
		c.Close()
	}
}

// Wait blocks until every websocket session, including its disconnect
// hooks, has finished or ctx ends.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
