// Package transport carries the hub protocol over a websocket.
//
// A Conn owns one gorilla/websocket connection: a read loop that decodes
// envelopes and a write pump that is the socket's only writer. Inbound events
// and requests are dispatched to a Handler, each in its own goroutine, so a
// slow handler never stalls the connection. Outbound requests are correlated
// by id and resolved by the matching response.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swax/naisys-hub/internal/model"
)

// Handler serves one inbound event or request. For requests the returned
// value is marshaled into the response payload and a non-nil error becomes
// the response's error string. For events both are only logged.
type Handler func(ctx context.Context, env Envelope) (any, error)

// Config tunes a connection. Zero fields take the defaults.
type Config struct {
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait is how long the peer may stay silent before it is considered gone.
	PongWait time.Duration
	// MaxMessageSize caps inbound frames.
	MaxMessageSize int64
	// SendBuffer is the outbound queue length.
	SendBuffer int
}

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 4 << 20 // sync pages and log batches can be large
	defaultSendBuffer     = 256
)

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	return c
}

// Conn is a protocol connection. Safe for concurrent use.
type Conn struct {
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]chan Envelope
}

// New wraps an established websocket. Call Run to start serving it.
func New(ws *websocket.Conn, cfg Config, logger *slog.Logger) *Conn {
	cfg = cfg.withDefaults()
	return &Conn{
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		send:    make(chan []byte, cfg.SendBuffer),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan Envelope),
	}
}

// Dial connects to a hub websocket endpoint. On a failed handshake the HTTP
// response is returned alongside the error so callers can inspect the status.
func Dial(ctx context.Context, url string, header http.Header, cfg Config, logger *slog.Logger) (*Conn, *http.Response, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return New(ws, cfg, logger), resp, nil
}

// Run serves the connection until it closes or ctx ends, dispatching inbound
// traffic to h. It returns after every handler it started has finished.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	var handlers sync.WaitGroup
	err := c.readLoop(ctx, h, &handlers)

	c.Close()
	cancel()
	<-writerDone
	c.failPending()
	handlers.Wait()
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Emit sends a fire-and-forget event.
func (c *Conn) Emit(event model.Event, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", event, err)
	}
	return c.write(Envelope{Kind: KindEvent, Event: event, Payload: raw})
}

// EmitRaw sends a fire-and-forget event whose payload is already encoded.
// Broadcasters use it to marshal once for many connections.
func (c *Conn) EmitRaw(event model.Event, payload json.RawMessage) error {
	return c.write(Envelope{Kind: KindEvent, Event: event, Payload: payload})
}

// Request sends a request and waits for its response, decoding the payload
// into out (which may be nil). The wait ends early when ctx ends or the
// connection closes.
func (c *Conn) Request(ctx context.Context, event model.Event, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", event, err)
	}

	id := c.nextID.Add(1)
	reply := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Envelope{Kind: KindRequest, Event: event, ID: id, Payload: raw}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("transport: %s: %w", event, ctx.Err())
	case <-c.done:
		return ErrClosed
	case resp, ok := <-reply:
		if !ok {
			return ErrClosed
		}
		if resp.Error != "" {
			return &RemoteError{Event: event, Message: resp.Error}
		}
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Payload, out); err != nil {
			return fmt.Errorf("transport: decode %s response: %w", event, err)
		}
		return nil
	}
}

func (c *Conn) write(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("transport: marshal envelope: %w", err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrBufferFull
	}
}

func (c *Conn) readLoop(ctx context.Context, h Handler, handlers *sync.WaitGroup) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("transport: dropping undecodable frame", "error", err)
			continue
		}
		if err := env.validate(); err != nil {
			c.logger.Warn("transport: dropping invalid frame", "error", err)
			continue
		}

		if env.Kind == KindResponse {
			c.resolve(env)
			continue
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			c.dispatch(ctx, h, env)
		}()
	}
}

// dispatch runs h for one inbound frame. A panic is contained here so the
// connection keeps serving other traffic.
func (c *Conn) dispatch(ctx context.Context, h Handler, env Envelope) {
	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("transport: handler panic",
					"event", env.Event, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("internal error handling %s", env.Event)
			}
		}()
		result, err = h(ctx, env)
	}()

	if env.Kind == KindEvent {
		if err != nil {
			c.logger.Warn("transport: event handler failed", "event", env.Event, "error", err)
		}
		return
	}

	resp := Envelope{Kind: KindResponse, Event: env.Event, ID: env.ID}
	if err != nil {
		resp.Error = err.Error()
	} else if result != nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = "marshal response: " + merr.Error()
		} else {
			resp.Payload = raw
		}
	}
	if werr := c.write(resp); werr != nil {
		c.logger.Warn("transport: response not sent", "event", env.Event, "error", werr)
	}
}

func (c *Conn) resolve(env Envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("transport: response for unknown request", "id", env.ID, "event", env.Event)
		return
	}
	reply <- env
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, reply := range c.pending {
		close(reply)
		delete(c.pending, id)
	}
}

func (c *Conn) writePump() {
	pingPeriod := (c.cfg.PongWait * 9) / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			// Flush what is already queued, then say goodbye.
		drain:
			for {
				select {
				case message := <-c.send:
					_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					break drain
				}
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
