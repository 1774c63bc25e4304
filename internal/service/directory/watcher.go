package directory

import (
	"context"
	"log/slog"
	"time"

	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/storage"
)

// Watcher notices user directory edits made outside this process, such as
// by an admin tool writing straight to the store, and refreshes the
// broadcaster. Postgres stores are watched with LISTEN; SQLite stores are
// polled.
type Watcher struct {
	db       *storage.DB
	b        *Broadcaster
	interval time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher. interval is the SQLite poll period and the
// Postgres re-listen backoff.
func NewWatcher(db *storage.DB, b *Broadcaster, interval time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{db: db, b: b, interval: interval, logger: logger}
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if w.db.HasNotifyConn() {
		w.listen(ctx)
		return nil
	}
	w.poll(ctx)
	return nil
}

func (w *Watcher) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := w.db.Listen(ctx, storage.ChannelUsersChanged); err != nil {
			w.logger.Error("directory: listen", "error", err)
			if !sleep(ctx, w.interval) {
				return
			}
			continue
		}
		w.logger.Info("directory: listening for user changes", "channel", storage.ChannelUsersChanged)

		for {
			_, _, err := w.db.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("directory: notification error, re-listening", "error", err)
				break
			}
			w.refresh(ctx)
		}
		if !sleep(ctx, w.interval) {
			return
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last model.UserFingerprint
	primed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fp, err := w.db.UserFingerprint(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Warn("directory: fingerprint", "error", err)
			}
			continue
		}
		if primed && fp != last {
			w.refresh(ctx)
		}
		last, primed = fp, true
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	if err := w.b.Refresh(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("directory: refresh", "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
