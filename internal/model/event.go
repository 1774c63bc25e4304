package model

import (
	"bytes"
	"encoding/json"
)

// Event names a message on the hub wire protocol.
type Event string

const (
	// Hub-local hook fired after a connection is registered. Never on the wire.
	EventClientConnected Event = "client_connected"

	// Hub → client.
	EventWelcome         Event = "welcome"
	EventHeartbeatStatus Event = "heartbeat_status"
	EventUsersUpdated    Event = "users_updated"
	EventHostList        Event = "host_list"
	EventSyncRequest     Event = "sync_request"

	// Client → hub, fire-and-forget.
	EventHeartbeat    Event = "heartbeat"
	EventLogWrite     Event = "log_write"
	EventCostWrite    Event = "cost_write"
	EventUsersChanged Event = "users_changed"

	// Client → hub, acknowledged.
	EventSessionCreate    Event = "session_create"
	EventSessionIncrement Event = "session_increment"
	EventUserLookup       Event = "user_lookup"
)

// Welcome is the first message a client receives after the handshake.
type Welcome struct {
	ClientID      string     `json:"clientId"`
	HostID        string     `json:"hostId"`
	Kind          ClientKind `json:"kind"`
	SchemaVersion int        `json:"schemaVersion"`
	Token         string     `json:"token,omitempty"`
}

// Heartbeat carries the user ids a runner is currently hosting.
type Heartbeat struct {
	ActiveUserIDs []int64 `json:"activeUserIds"`
}

// HeartbeatStatus is the fleet-wide active user set.
type HeartbeatStatus struct {
	ActiveUserIDs []int64 `json:"activeUserIds"`
}

// LogWriteEntry is one transcript line as sent by a runner.
// HostID is deliberately absent: the hub takes it from the connection.
type LogWriteEntry struct {
	UserID    int64  `json:"userId"`
	RunID     int64  `json:"runId"`
	SessionID int64  `json:"sessionId"`
	Role      string `json:"role"`
	Source    string `json:"source"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"` // unix millis; zero means "now"
}

// LogWrite is a batch of transcript lines from one runner.
type LogWrite struct {
	Entries []LogWriteEntry `json:"entries"`
}

// CostWriteEntry is one spend record as sent by a runner.
type CostWriteEntry struct {
	UserID       int64   `json:"userId"`
	RunID        int64   `json:"runId"`
	SessionID    int64   `json:"sessionId"`
	Source       string  `json:"source"`
	Model        string  `json:"model"`
	Cost         float64 `json:"cost"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
}

// CostWrite is a batch of spend records from one runner.
type CostWrite struct {
	Entries []CostWriteEntry `json:"entries"`
}

// SessionCreateRequest asks the hub for a brand new run.
type SessionCreateRequest struct {
	UserID    int64  `json:"userId"`
	ModelName string `json:"modelName"`
}

// SessionCreateResponse answers SessionCreateRequest.
type SessionCreateResponse struct {
	Success   bool   `json:"success"`
	RunID     int64  `json:"runId,omitempty"`
	SessionID int64  `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionIncrementRequest asks for the next session within an existing run.
type SessionIncrementRequest struct {
	UserID int64 `json:"userId"`
	RunID  int64 `json:"runId"`
}

// SessionIncrementResponse answers SessionIncrementRequest.
type SessionIncrementResponse struct {
	Success   bool   `json:"success"`
	SessionID int64  `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UserLookupRequest resolves "username" or "username@host" to a user id.
type UserLookupRequest struct {
	Username string `json:"username"`
}

// UserLookupResponse answers UserLookupRequest.
type UserLookupResponse struct {
	Success bool   `json:"success"`
	UserID  int64  `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UsersUpdated is the full user directory snapshot.
type UsersUpdated struct {
	Users []DirectoryUser `json:"users"`
}

// HostList is the connected host snapshot.
type HostList struct {
	Hosts []DirectoryHost `json:"hosts"`
}

// SyncRequest asks a host for rows changed since a cursor.
type SyncRequest struct {
	SchemaVersion int   `json:"schemaVersion"`
	Since         int64 `json:"since"`
}

// SyncResponse is a host's answer to SyncRequest. Tables maps table names to
// raw rows keyed by column name.
type SyncResponse struct {
	HostID        string              `json:"hostId"`
	SchemaVersion int                 `json:"schemaVersion"`
	HasMore       bool                `json:"hasMore"`
	Cursor        int64               `json:"cursor"`
	Tables        map[string][]Record `json:"tables"`
	Error         string              `json:"error,omitempty"`
}

// Record is one row of a sync payload.
type Record map[string]any

// UnmarshalJSON decodes numbers as json.Number so integer columns survive
// the round trip without float64 truncation.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	m := map[string]any{}
	if err := dec.Decode(&m); err != nil {
		return err
	}
	*r = m
	return nil
}
