// Package federation connects this hub to peer hubs as an ordinary client.
//
// The client keeps one outbound link at a time, rotating round-robin through
// the configured peer URLs whenever a link fails. Events arriving on the
// link are dispatched to the local registry's handlers, tagged with the
// peer's URL. A peer that rejects our credentials or runs a different schema
// version is dropped for the life of the process.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swax/naisys-hub/internal/auth"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/transport"
)

// ErrFatal marks a peer failure that retrying cannot fix.
var ErrFatal = errors.New("federation: fatal peer error")

// Config describes the peers to connect to.
type Config struct {
	URLs          []string
	AccessKey     string
	Name          string
	RetryDelay    time.Duration
	SchemaVersion int
	Transport     transport.Config
}

// Client maintains the outbound peer link.
type Client struct {
	cfg    Config
	reg    *registry.Registry
	logger *slog.Logger

	mu       sync.Mutex
	disabled map[string]bool
	current  string
}

// New creates a federation client dispatching into reg.
func New(cfg Config, reg *registry.Registry, logger *slog.Logger) *Client {
	return &Client{cfg: cfg, reg: reg, logger: logger, disabled: make(map[string]bool)}
}

// Run keeps a peer link up until ctx ends or every peer is disabled.
func (c *Client) Run(ctx context.Context) error {
	if len(c.cfg.URLs) == 0 {
		return nil
	}
	next := 0
	for {
		url, ok := c.pick(&next)
		if !ok {
			c.logger.Error("federation: every peer is disabled, giving up", "peers", len(c.cfg.URLs))
			return nil
		}

		err := c.session(ctx, url)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrFatal) {
			c.disable(url)
			c.logger.Error("federation: peer disabled", "peer_url", url, "error", err)
		} else {
			c.logger.Warn("federation: peer link lost, rotating", "peer_url", url, "error", err, "retry_in", c.cfg.RetryDelay)
		}

		t := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Current returns the URL of the live peer link, or "".
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Disabled reports whether url has been dropped.
func (c *Client) Disabled(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled[url]
}

// pick returns the next enabled URL at or after *next and advances *next
// past it.
func (c *Client) pick(next *int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.cfg.URLs)
	for i := 0; i < n; i++ {
		url := c.cfg.URLs[(*next+i)%n]
		if !c.disabled[url] {
			*next = (*next + i + 1) % n
			return url, true
		}
	}
	return "", false
}

func (c *Client) disable(url string) {
	c.mu.Lock()
	c.disabled[url] = true
	c.mu.Unlock()
}

func (c *Client) setCurrent(url string) {
	c.mu.Lock()
	c.current = url
	c.mu.Unlock()
}

// session runs one link to url until it closes.
func (c *Client) session(ctx context.Context, url string) error {
	header := http.Header{}
	auth.SetHeaders(header, c.cfg.AccessKey, auth.Identity{Kind: model.KindHub, Name: c.cfg.Name})

	logger := c.logger.With("peer_url", url)
	conn, resp, err := transport.Dial(ctx, url, header, c.cfg.Transport, logger)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s answered %d", ErrFatal, url, resp.StatusCode)
		}
		return err
	}

	peer := registry.NewPeerClient(uuid.NewString(), url, conn)
	dispatch := c.reg.Dispatch(peer)

	var (
		fatalMu sync.Mutex
		fatal   error
	)
	handler := func(ctx context.Context, env transport.Envelope) (any, error) {
		if env.Kind != transport.KindEvent || env.Event != model.EventWelcome {
			return dispatch(ctx, env)
		}
		var w model.Welcome
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return nil, fmt.Errorf("decode welcome: %w", err)
		}
		if w.SchemaVersion != c.cfg.SchemaVersion {
			fatalMu.Lock()
			fatal = fmt.Errorf("%w: %s schema version %d, ours %d", ErrFatal, url, w.SchemaVersion, c.cfg.SchemaVersion)
			fatalMu.Unlock()
			conn.Close()
			return nil, nil
		}
		c.setCurrent(url)
		logger.Info("federation: connected to peer", "client_id", w.ClientID, "schema_version", w.SchemaVersion)
		return nil, nil
	}

	runErr := conn.Run(ctx, handler)
	c.setCurrent("")

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatal != nil {
		return fatal
	}
	if runErr == nil {
		runErr = errors.New("connection closed")
	}
	return fmt.Errorf("federation: %s: %w", url, runErr)
}
