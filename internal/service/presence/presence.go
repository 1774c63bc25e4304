// Package presence tracks which users are active across the fleet.
//
// Runners report the users they are hosting in periodic heartbeats. The
// aggregator stamps those users' last-active time in the store and, on its
// own timer, broadcasts the set of users seen within the presence window to
// every connection. Sets received from peer hubs are merged in until they
// age out of the same window.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/telemetry"
)

// Config controls the aggregation timer.
type Config struct {
	// Interval is how often heartbeat_status is broadcast.
	Interval time.Duration
	// Window is how long a heartbeat keeps a user active.
	Window time.Duration
	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

type peerSet struct {
	ids []int64
	at  time.Time
}

// Aggregator owns heartbeat handling and the presence broadcast.
type Aggregator struct {
	db     *storage.DB
	reg    *registry.Registry
	cfg    Config
	logger *slog.Logger
	inst   *telemetry.Instruments

	mu    sync.Mutex
	peers map[string]peerSet
}

// New creates an Aggregator. inst may be nil.
func New(db *storage.DB, reg *registry.Registry, cfg Config, logger *slog.Logger, inst *telemetry.Instruments) *Aggregator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		db:     db,
		reg:    reg,
		cfg:    cfg,
		logger: logger,
		inst:   inst,
		peers:  make(map[string]peerSet),
	}
}

// Register installs the heartbeat handlers on the registry.
func (a *Aggregator) Register() {
	registry.HandleEvent(a.reg, model.EventHeartbeat, a.handleHeartbeat)
	registry.HandleEvent(a.reg, model.EventHeartbeatStatus, a.handleStatus)
}

func (a *Aggregator) handleHeartbeat(ctx context.Context, c *registry.Client, hb model.Heartbeat) error {
	now := a.cfg.Now()
	a.inst.HeartbeatReceived(ctx)

	if c.RunnerID != "" {
		if err := a.db.TouchRunner(ctx, c.RunnerID, now); err != nil {
			return fmt.Errorf("presence: touch runner: %w", err)
		}
	}
	if c.HostID != "" {
		if err := a.db.TouchHost(ctx, c.HostID, now); err != nil {
			return fmt.Errorf("presence: touch host: %w", err)
		}
	}
	if err := a.db.TouchUsers(ctx, hb.ActiveUserIDs, now); err != nil {
		return fmt.Errorf("presence: touch users: %w", err)
	}
	return nil
}

// handleStatus records a peer hub's active set, replacing the previous one
// from the same peer. Sets age out with the window, so a peer that goes
// away needs no cleanup. heartbeat_status from anything other than a
// federation link is ignored.
func (a *Aggregator) handleStatus(ctx context.Context, c *registry.Client, st model.HeartbeatStatus) error {
	if c.PeerURL == "" {
		a.logger.Debug("presence: ignoring heartbeat_status from non-peer", ctxutil.LogAttrs(ctx)...)
		return nil
	}
	a.mu.Lock()
	a.peers[c.PeerURL] = peerSet{ids: slices.Clone(st.ActiveUserIDs), at: a.cfg.Now()}
	a.mu.Unlock()
	return nil
}

// ActiveUsers returns the sorted set of users with a heartbeat strictly
// newer than now minus the window, local and federated.
func (a *Aggregator) ActiveUsers(ctx context.Context) ([]int64, error) {
	cutoff := a.cfg.Now().Add(-a.cfg.Window)
	ids, err := a.db.ActiveUserIDs(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("presence: active users: %w", err)
	}

	a.mu.Lock()
	for url, set := range a.peers {
		if !set.at.After(cutoff) {
			delete(a.peers, url)
			continue
		}
		ids = append(ids, set.ids...)
	}
	a.mu.Unlock()

	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Tick computes the active set once and broadcasts it.
func (a *Aggregator) Tick(ctx context.Context) error {
	ids, err := a.ActiveUsers(ctx)
	if err != nil {
		return err
	}
	if _, err := a.reg.Broadcast(model.EventHeartbeatStatus, model.HeartbeatStatus{ActiveUserIDs: ids}); err != nil {
		return fmt.Errorf("presence: broadcast: %w", err)
	}
	return nil
}

// Run broadcasts on every interval until ctx ends. A failed tick is logged
// and the loop carries on.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	a.logger.Info("presence: aggregator started", "interval", a.cfg.Interval, "window", a.cfg.Window)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("presence: tick failed", "error", err)
			}
		}
	}
}
