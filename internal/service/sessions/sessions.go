// Package sessions numbers runs and sessions for runners and resolves
// usernames to user ids.
//
// Run ids come from a single counter shared by every user: a new run takes
// the largest run id in the store plus one. Session ids are dense from 1
// within a run. Numbering reads the current maximum and inserts in one
// transaction; when two hubs race on the same number the insert fails and
// the caller is told, rather than the hub quietly picking another number.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swax/naisys-hub/internal/ctxutil"
	"github.com/swax/naisys-hub/internal/model"
	"github.com/swax/naisys-hub/internal/registry"
	"github.com/swax/naisys-hub/internal/storage"
)

// errNoHost answers session requests from connections without a host,
// such as peer hubs.
const errNoHost = "sessions can only be opened from a host or runner connection"

// Service answers session_create, session_increment and user_lookup.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a session service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger, now: time.Now}
}

// Register installs the request handlers on the registry.
func (s *Service) Register(reg *registry.Registry) {
	registry.HandleRequest(reg, model.EventSessionCreate, s.handleCreate)
	registry.HandleRequest(reg, model.EventSessionIncrement, s.handleIncrement)
	registry.HandleRequest(reg, model.EventUserLookup, s.handleLookup)
}

// Create starts a new run for userID on hostID.
func (s *Service) Create(ctx context.Context, hostID string, req model.SessionCreateRequest) model.SessionCreateResponse {
	if req.UserID <= 0 {
		return model.SessionCreateResponse{Error: "userId is required"}
	}
	if hostID == "" {
		return model.SessionCreateResponse{Error: errNoHost}
	}
	rs, err := s.db.CreateRunSession(ctx, req.UserID, hostID, req.ModelName, s.now())
	if err != nil {
		s.logger.Warn("sessions: create failed",
			append(ctxutil.LogAttrs(ctx), "user_id", req.UserID, "error", err)...)
		return model.SessionCreateResponse{Error: failure("create run session", err)}
	}
	return model.SessionCreateResponse{Success: true, RunID: rs.RunID, SessionID: rs.SessionID}
}

// Increment opens the next session of an existing run.
func (s *Service) Increment(ctx context.Context, hostID string, req model.SessionIncrementRequest) model.SessionIncrementResponse {
	if req.UserID <= 0 || req.RunID <= 0 {
		return model.SessionIncrementResponse{Error: "userId and runId are required"}
	}
	if hostID == "" {
		return model.SessionIncrementResponse{Error: errNoHost}
	}
	rs, err := s.db.IncrementRunSession(ctx, req.UserID, req.RunID, hostID, s.now())
	if err != nil {
		s.logger.Warn("sessions: increment failed",
			append(ctxutil.LogAttrs(ctx), "user_id", req.UserID, "run_id", req.RunID, "error", err)...)
		return model.SessionIncrementResponse{Error: failure("increment run session", err)}
	}
	return model.SessionIncrementResponse{Success: true, SessionID: rs.SessionID}
}

// Lookup resolves "name" or "name@host".
func (s *Service) Lookup(ctx context.Context, req model.UserLookupRequest) model.UserLookupResponse {
	name := strings.TrimSpace(req.Username)
	if name == "" {
		return model.UserLookupResponse{Error: "username is required"}
	}
	id, err := s.db.ResolveUsername(ctx, name)
	switch {
	case err == nil:
		return model.UserLookupResponse{Success: true, UserID: id}
	case errors.Is(err, storage.ErrNotFound):
		return model.UserLookupResponse{Error: fmt.Sprintf("user %q not found", name)}
	case errors.Is(err, storage.ErrAmbiguous):
		return model.UserLookupResponse{Error: fmt.Sprintf("username %q exists on more than one host, use username@host", name)}
	default:
		s.logger.Warn("sessions: user lookup failed", append(ctxutil.LogAttrs(ctx), "username", name, "error", err)...)
		return model.UserLookupResponse{Error: "user lookup failed"}
	}
}

func (s *Service) handleCreate(ctx context.Context, c *registry.Client, req model.SessionCreateRequest) (model.SessionCreateResponse, error) {
	return s.Create(ctx, c.HostID, req), nil
}

func (s *Service) handleIncrement(ctx context.Context, c *registry.Client, req model.SessionIncrementRequest) (model.SessionIncrementResponse, error) {
	return s.Increment(ctx, c.HostID, req), nil
}

func (s *Service) handleLookup(ctx context.Context, _ *registry.Client, req model.UserLookupRequest) (model.UserLookupResponse, error) {
	return s.Lookup(ctx, req), nil
}

// failure renders a storage error for the wire. Internal detail stays in the log.
func failure(op string, err error) string {
	if errors.Is(err, storage.ErrDuplicate) {
		return op + ": number already taken, retry"
	}
	return op + " failed"
}
