// Package ingest persists transcript lines and cost records sent by runners.
//
// Entries are written one at a time in the order they arrive. Each entry
// gets a freshly minted monotonic id, so ids sort in insertion order even
// when several runners write concurrently. The first failing entry aborts
// the rest of its batch; entries before it stay written.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/idgen"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/storage"
	"github.com/swax/naisys-hub/internal/telemetry"
)

// Service handles log_write and cost_write.
type Service struct {
	db     *storage.DB
	ids    *idgen.Generator
	logger *slog.Logger
	inst   *telemetry.Instruments
	now    func() time.Time
}

// New creates an ingestion service. inst may be nil.
func New(db *storage.DB, ids *idgen.Generator, logger *slog.Logger, inst *telemetry.Instruments) *Service {
	return &Service{db: db, ids: ids, logger: logger, inst: inst, now: time.Now}
}

// Register installs the write handlers on the registry.
func (s *Service) Register(reg *registry.Registry) {
	registry.HandleEvent(reg, model.EventLogWrite, s.handleLogWrite)
	registry.HandleEvent(reg, model.EventCostWrite, s.handleCostWrite)
}

// WriteLogs persists entries for hostID in order. It returns how many were
// written before the first failure.
func (s *Service) WriteLogs(ctx context.Context, hostID string, entries []model.LogWriteEntry) (int, error) {
	for i, in := range entries {
		now := s.now()
		e := model.LogEntry{
			ID:        s.ids.Next(),
			UserID:    in.UserID,
			RunID:     in.RunID,
			SessionID: in.SessionID,
			HostID:    hostID,
			Role:      in.Role,
			Source:    in.Source,
			Type:      in.Type,
			Message:   in.Message,
			CreatedAt: createdAt(in.CreatedAt, now),
		}
		if err := s.db.AppendLogEntry(ctx, e, now); err != nil {
			return i, &EntryError{Index: i, Key: e.Key(), Err: err}
		}
	}
	return len(entries), nil
}

// WriteCosts persists cost entries for hostID in order, with the same abort
// semantics as WriteLogs.
func (s *Service) WriteCosts(ctx context.Context, hostID string, entries []model.CostWriteEntry) (int, error) {
	for i, in := range entries {
		now := s.now()
		c := model.CostEntry{
			ID:           s.ids.Next(),
			UserID:       in.UserID,
			RunID:        in.RunID,
			SessionID:    in.SessionID,
			HostID:       hostID,
			Source:       in.Source,
			Model:        in.Model,
			Cost:         in.Cost,
			InputTokens:  in.InputTokens,
			OutputTokens: in.OutputTokens,
			CreatedAt:    now,
		}
		if err := s.db.AppendCostEntry(ctx, c, now); err != nil {
			return i, &EntryError{Index: i, Key: c.Key(), Err: err}
		}
	}
	return len(entries), nil
}

func (s *Service) handleLogWrite(ctx context.Context, c *registry.Client, msg model.LogWrite) error {
	if c.HostID == "" {
		s.logger.Warn("ingest: log_write from connection without a host", ctxutil.LogAttrs(ctx)...)
		return nil
	}
	n, err := s.WriteLogs(ctx, c.HostID, msg.Entries)
	s.inst.LogsWritten(ctx, n)
	if err != nil {
		s.logAborted(ctx, c, "log_write", n, len(msg.Entries), err)
	}
	return nil
}

func (s *Service) handleCostWrite(ctx context.Context, c *registry.Client, msg model.CostWrite) error {
	if c.HostID == "" {
		s.logger.Warn("ingest: cost_write from connection without a host", ctxutil.LogAttrs(ctx)...)
		return nil
	}
	n, err := s.WriteCosts(ctx, c.HostID, msg.Entries)
	s.inst.CostsWritten(ctx, n)
	if err != nil {
		s.logAborted(ctx, c, "cost_write", n, len(msg.Entries), err)
	}
	return nil
}

func (s *Service) logAborted(ctx context.Context, c *registry.Client, event string, written, total int, err error) {
	attrs := append(ctxutil.LogAttrs(ctx),
		"event", event,
		"runner_id", c.RunnerID,
		"written", written,
		"dropped", total-written,
		"error", err,
	)
	var ee *EntryError
	if errors.As(err, &ee) {
		attrs = append(attrs,
			"user_id", ee.Key.UserID,
			"run_id", ee.Key.RunID,
			"session_id", ee.Key.SessionID,
		)
	}
	s.logger.Error("ingest: batch aborted", attrs...)
}

// EntryError reports the entry a batch stopped at.
type EntryError struct {
	Index int
	Key   model.SessionKey
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("ingest: entry %d (%s): %v", e.Index, e.Key, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// createdAt interprets a runner-supplied unix-millis timestamp, falling back
// to now when it is unset.
func createdAt(ms int64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(ms)
}
