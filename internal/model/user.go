package model

import (
	"encoding/json"
	"time"
)

// User is a named agent identity whose work is tracked by the hub.
// Each user is owned by exactly one host (HostID); users created by the hub
// itself have no owning host.
type User struct {
	ID              int64           `json:"id"`
	Username        string          `json:"username"`
	LeadUserID      *int64          `json:"lead_user_id,omitempty"`
	APIKey          *string         `json:"api_key,omitempty"`
	Config          json.RawMessage `json:"config"`
	HostID          *string         `json:"host_id,omitempty"`
	AssignedHostIDs []string        `json:"assigned_host_ids"`
	Archived        bool            `json:"archived"`
	Deleted         bool            `json:"deleted"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DirectoryUser is the per-user view pushed to every runner in users_updated.
type DirectoryUser struct {
	UserID          int64           `json:"userId"`
	Username        string          `json:"username"`
	LeadUserID      *int64          `json:"leadUserId,omitempty"`
	Config          json.RawMessage `json:"config"`
	AssignedHostIDs []string        `json:"assignedHostIds"`
	APIKey          *string         `json:"apiKey,omitempty"`
	HostID          *string         `json:"hostId,omitempty"`
}

// DirectoryHost is the per-host view pushed in host_list.
type DirectoryHost struct {
	HostID string `json:"hostId"`
	Name   string `json:"name"`
}

// UserNotificationPointer is the denormalized per-user pointer refreshed on
// every log write and heartbeat so presence and directory pushes never scan logs.
type UserNotificationPointer struct {
	UserID       int64     `json:"user_id"`
	LatestLogID  string    `json:"latest_log_id"`
	LatestMailID string    `json:"latest_mail_id"`
	LastActive   time.Time `json:"last_active"`
}

// UserFingerprint summarizes the users table cheaply so a poller can tell
// whether anything changed without loading every row.
type UserFingerprint struct {
	Count        int64
	MaxUpdatedAt int64
	HostLinks    int64
}
