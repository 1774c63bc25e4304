package model

import (
	"fmt"
	"strings"
	"time"
)

// RunSession is one execution attempt of a user's agent.
// (UserID, RunID, SessionID) is unique; session ids are dense from 1 within a run.
type RunSession struct {
	UserID      int64     `json:"user_id"`
	RunID       int64     `json:"run_id"`
	SessionID   int64     `json:"session_id"`
	HostID      string    `json:"host_id"`
	ModelName   string    `json:"model_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastActive  time.Time `json:"last_active"`
	LatestLogID string    `json:"latest_log_id"`
	TotalLines  int64     `json:"total_lines"`
	TotalCost   float64   `json:"total_cost"`
}

// Key returns the session's composite key.
func (rs RunSession) Key() SessionKey {
	return SessionKey{UserID: rs.UserID, RunID: rs.RunID, SessionID: rs.SessionID}
}

// SessionKey identifies a run session.
type SessionKey struct {
	UserID    int64
	RunID     int64
	SessionID int64
}

func (k SessionKey) String() string {
	return fmt.Sprintf("user=%d run=%d session=%d", k.UserID, k.RunID, k.SessionID)
}

// LogEntry is one line (or batch member) of an agent transcript.
// Immutable once written; ID order is insertion order.
type LogEntry struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	RunID     int64     `json:"run_id"`
	SessionID int64     `json:"session_id"`
	HostID    string    `json:"host_id"`
	Role      string    `json:"role"`
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the run session the entry belongs to.
func (e LogEntry) Key() SessionKey {
	return SessionKey{UserID: e.UserID, RunID: e.RunID, SessionID: e.SessionID}
}

// LineCount returns the number of newline-delimited lines in the message.
// An empty message still counts as one line.
func (e LogEntry) LineCount() int64 {
	return int64(strings.Count(e.Message, "\n")) + 1
}

// CostEntry records spend reported by a runner for one session.
type CostEntry struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	RunID        int64     `json:"run_id"`
	SessionID    int64     `json:"session_id"`
	HostID       string    `json:"host_id"`
	Source       string    `json:"source"`
	Model        string    `json:"model"`
	Cost         float64   `json:"cost"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the run session the cost belongs to.
func (c CostEntry) Key() SessionKey {
	return SessionKey{UserID: c.UserID, RunID: c.RunID, SessionID: c.SessionID}
}
