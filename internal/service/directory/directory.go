// Package directory keeps every connection's view of users and hosts current.
//
// The Broadcaster owns the last serialization it sent of each snapshot.
// On any change signal it recomputes both snapshots and broadcasts only the
// ones whose bytes differ. New connections get the current snapshot
// directly, without disturbing anyone else.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/storage"
)

// Broadcaster pushes users_updated and host_list.
type Broadcaster struct {
	db     *storage.DB
	reg    *registry.Registry
	logger *slog.Logger

	group     singleflight.Group
	requested atomic.Uint64

	mu        sync.Mutex
	lastUsers []byte
	lastHosts []byte
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(db *storage.DB, reg *registry.Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{db: db, reg: reg, logger: logger}
}

// Register wires the broadcaster to connection lifecycle and users_changed.
func (b *Broadcaster) Register() {
	b.reg.OnConnect(b.onConnect)
	b.reg.OnDisconnect(func(ctx context.Context, c *registry.Client) {
		if err := b.Refresh(ctx); err != nil {
			b.logger.Warn("directory: refresh after disconnect", "client_id", c.ID, "error", err)
		}
	})
	registry.HandleEvent(b.reg, model.EventUsersChanged, func(ctx context.Context, _ *registry.Client, _ struct{}) error {
		if err := b.Refresh(ctx); err != nil {
			return err
		}
		// Other hub processes on the same store hear about it through the watcher.
		if err := b.db.Notify(ctx, storage.ChannelUsersChanged, ""); err != nil {
			b.logger.Warn("directory: notify users changed", append(ctxutil.LogAttrs(ctx), "error", err)...)
		}
		return nil
	})
}

// Refresh recomputes both snapshots and broadcasts those that changed.
// Concurrent calls share one computation, but a call never settles for a
// computation that began before it was made: it waits for the next one.
func (b *Broadcaster) Refresh(ctx context.Context) error {
	_, err := b.refreshAfter(ctx, b.requested.Add(1))
	return err
}

// pass is the outcome of one shared computation.
type pass struct {
	gen       uint64
	sentUsers bool
	sentHosts bool
}

// refreshAfter joins or starts computations until one that began at or
// after gen has finished, and returns that one.
func (b *Broadcaster) refreshAfter(ctx context.Context, gen uint64) (pass, error) {
	for {
		v, err, _ := b.group.Do("refresh", func() (any, error) {
			p := pass{gen: b.requested.Load()}
			var err error
			p.sentUsers, p.sentHosts, err = b.refresh(ctx)
			return p, err
		})
		if err != nil {
			return pass{}, err
		}
		if p := v.(pass); p.gen >= gen {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return pass{}, err
		}
	}
}

func (b *Broadcaster) refresh(ctx context.Context) (sentUsers, sentHosts bool, err error) {
	users, hosts, err := b.serialize(ctx)
	if err != nil {
		return false, false, err
	}

	b.mu.Lock()
	usersChanged := !bytes.Equal(users, b.lastUsers)
	hostsChanged := !bytes.Equal(hosts, b.lastHosts)
	b.lastUsers, b.lastHosts = users, hosts
	b.mu.Unlock()

	if usersChanged {
		n := b.reg.BroadcastRaw(model.EventUsersUpdated, users)
		b.logger.Debug("directory: users_updated broadcast", "clients", n)
	}
	if hostsChanged {
		n := b.reg.BroadcastRaw(model.EventHostList, hosts)
		b.logger.Debug("directory: host_list broadcast", "clients", n)
	}
	return usersChanged, hostsChanged, nil
}

// Snapshot returns the current directory as it would be broadcast.
func (b *Broadcaster) Snapshot(ctx context.Context) (model.UsersUpdated, model.HostList, error) {
	users, err := b.db.ListDirectoryUsers(ctx)
	if err != nil {
		return model.UsersUpdated{}, model.HostList{}, fmt.Errorf("directory: users: %w", err)
	}
	return model.UsersUpdated{Users: users}, model.HostList{Hosts: b.connectedHosts()}, nil
}

func (b *Broadcaster) serialize(ctx context.Context) (users, hosts []byte, err error) {
	u, h, err := b.Snapshot(ctx)
	if err != nil {
		return nil, nil, err
	}
	if users, err = json.Marshal(u); err != nil {
		return nil, nil, fmt.Errorf("directory: marshal users: %w", err)
	}
	if hosts, err = json.Marshal(h); err != nil {
		return nil, nil, fmt.Errorf("directory: marshal hosts: %w", err)
	}
	return users, hosts, nil
}

// connectedHosts lists each host with at least one live host or runner
// connection, sorted by name.
func (b *Broadcaster) connectedHosts() []model.DirectoryHost {
	seen := make(map[string]bool)
	hosts := []model.DirectoryHost{}
	for _, c := range b.reg.Connected() {
		if c.Kind == model.KindHub || c.HostID == "" || seen[c.HostID] {
			continue
		}
		seen[c.HostID] = true
		hosts = append(hosts, model.DirectoryHost{HostID: c.HostID, Name: c.HostName})
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	return hosts
}

func (b *Broadcaster) onConnect(ctx context.Context, c *registry.Client) {
	// c is registered before this hook runs, so the pass below sees it in
	// the host list and reaches it with anything it broadcasts.
	p, err := b.refreshAfter(ctx, b.requested.Add(1))
	if err != nil {
		b.logger.Warn("directory: refresh on connect", "client_id", c.ID, "error", err)
		return
	}
	b.mu.Lock()
	users, hosts := b.lastUsers, b.lastHosts
	b.mu.Unlock()

	if !p.sentUsers {
		if err := c.EmitRaw(model.EventUsersUpdated, users); err != nil {
			b.logger.Warn("directory: send users snapshot", "client_id", c.ID, "error", err)
		}
	}
	if !p.sentHosts {
		if err := c.EmitRaw(model.EventHostList, hosts); err != nil {
			b.logger.Warn("directory: send host snapshot", "client_id", c.ID, "error", err)
		}
	}
}
