// Package syncer pulls rows that hosts changed locally into the hub store.
//
// The hub asks each connected host for everything since the host's stored
// cursor. A page is validated against the ownership rules and applied in a
// single transaction together with the new cursor, so a rejected page
// leaves no trace. Hosts on a different schema version are not synced at
// all until they reconnect.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/service/ownership"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/telemetry"
)

// ErrSchemaMismatch means the host and hub disagree on schema version.
var ErrSchemaMismatch = errors.New("syncer: schema version mismatch")

// maxParallel bounds how many hosts are pulled at once per tick.
const maxParallel = 4

// Refresher is told when synced rows may have changed the user directory.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Config controls the pull schedule.
type Config struct {
	Interval      time.Duration
	Timeout       time.Duration
	SchemaVersion int
}

type link struct {
	client   *registry.Client
	disabled bool
	busy     bool
}

// Syncer pulls from every connected host.
type Syncer struct {
	db        *storage.DB
	validator *ownership.Validator
	dir       Refresher
	cfg       Config
	logger    *slog.Logger
	inst      *telemetry.Instruments

	mu    sync.Mutex
	links map[string]*link
}

// New creates a Syncer. dir and inst may be nil.
func New(db *storage.DB, validator *ownership.Validator, dir Refresher, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) *Syncer {
	return &Syncer{
		db:        db,
		validator: validator,
		dir:       dir,
		cfg:       cfg,
		logger:    logger,
		inst:      inst,
		links:     make(map[string]*link),
	}
}

// Register tracks host connections on the registry. A host is pulled as
// soon as it connects.
func (s *Syncer) Register(reg *registry.Registry) {
	reg.OnConnect(func(ctx context.Context, c *registry.Client) {
		if c.Kind != model.KindHost {
			return
		}
		s.mu.Lock()
		s.links[c.ID] = &link{client: c}
		s.mu.Unlock()
		_ = s.syncLink(ctx, c.ID)
	})
	reg.OnDisconnect(func(_ context.Context, c *registry.Client) {
		s.mu.Lock()
		delete(s.links, c.ID)
		s.mu.Unlock()
	})
}

// Run pulls from every tracked host on each interval until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll pulls once from every tracked, enabled host.
func (s *Syncer) SyncAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.links))
	for id, l := range s.links {
		if !l.disabled {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, id := range ids {
		g.Go(func() error {
			_ = s.syncLink(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// Disabled reports whether sync is switched off for a connection.
func (s *Syncer) Disabled(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[clientID]
	return ok && l.disabled
}

func (s *Syncer) syncLink(ctx context.Context, clientID string) error {
	s.mu.Lock()
	l, ok := s.links[clientID]
	if !ok || l.disabled || l.busy {
		s.mu.Unlock()
		return nil
	}
	l.busy = true
	s.mu.Unlock()

	err := s.Sync(ctx, l.client)

	s.mu.Lock()
	l.busy = false
	if errors.Is(err, ErrSchemaMismatch) {
		l.disabled = true
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, ErrSchemaMismatch):
		s.logger.Error("syncer: sync disabled for connection",
			"client_id", clientID, "host_id", l.client.HostID, "error", err)
	default:
		s.logger.Warn("syncer: sync failed", "client_id", clientID, "host_id", l.client.HostID, "error", err)
	}
	return err
}

// Sync pulls pages from c until the host reports no more.
func (s *Syncer) Sync(ctx context.Context, c *registry.Client) error {
	since, err := s.db.GetSyncCursor(ctx, c.HostID)
	if err != nil {
		return fmt.Errorf("syncer: read cursor: %w", err)
	}

	for {
		resp, err := s.request(ctx, c, since)
		if err != nil {
			return err
		}

		if err := s.validator.Validate(ctx, c.HostID, resp.Tables); err != nil {
			var ve *ownership.ValidationError
			if errors.As(err, &ve) {
				s.inst.SyncRejected(ctx, ve.Table)
				s.logger.Warn("syncer: payload rejected",
					"host_id", c.HostID, "table", ve.Table, "record_id", ve.RecordID, "reason", ve.Reason)
			}
			return err
		}

		n, err := s.db.ApplySync(ctx, c.HostID, s.validator.Tables(), resp.Tables, resp.Cursor)
		if err != nil {
			return fmt.Errorf("syncer: apply: %w", err)
		}
		if n > 0 {
			s.logger.Info("syncer: applied", "host_id", c.HostID, "rows", n, "cursor", resp.Cursor)
		}
		if s.dir != nil && (len(resp.Tables["users"]) > 0 || len(resp.Tables["user_hosts"]) > 0) {
			if err := s.dir.Refresh(ctx); err != nil {
				s.logger.Warn("syncer: directory refresh", "error", err)
			}
		}

		if !resp.HasMore {
			return nil
		}
		if resp.Cursor <= since {
			return fmt.Errorf("syncer: host %s reported more rows without advancing cursor %d", c.HostID, since)
		}
		since = resp.Cursor
	}
}

func (s *Syncer) request(ctx context.Context, c *registry.Client, since int64) (model.SyncResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var resp model.SyncResponse
	err := c.Request(reqCtx, model.EventSyncRequest,
		model.SyncRequest{SchemaVersion: s.cfg.SchemaVersion, Since: since}, &resp)
	if err != nil {
		return resp, fmt.Errorf("syncer: request: %w", err)
	}
	if resp.SchemaVersion != s.cfg.SchemaVersion {
		return resp, fmt.Errorf("%w: hub %d, host %d", ErrSchemaMismatch, s.cfg.SchemaVersion, resp.SchemaVersion)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("syncer: host error: %s", resp.Error)
	}
	if resp.HostID != c.HostID {
		s.inst.SyncRejected(ctx, "*")
		return resp, fmt.Errorf("syncer: response for host %q on connection of host %q", resp.HostID, c.HostID)
	}
	return resp, nil
}
