package model

import (
	"fmt"
	"regexp"
	"time"
)

// ClientKind identifies what sits on the other end of a hub connection.
type ClientKind string

const (
	KindHost   ClientKind = "host"
	KindRunner ClientKind = "runner"
	KindHub    ClientKind = "hub"
)

// Valid reports whether k is one of the known client kinds.
func (k ClientKind) Valid() bool {
	switch k {
	case KindHost, KindRunner, KindHub:
		return true
	default:
		return false
	}
}

// Host is a machine identity under which one or more runners register.
// Hosts are never deleted by the hub; stale hosts simply stop heartbeating.
type Host struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Runner is one running instance of the agent runtime, owned by a host.
type Runner struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	HostID     string    `json:"host_id"`
	LastActive time.Time `json:"last_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// MaxNameLen bounds host and runner names presented at connect time.
const MaxNameLen = 128

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks a host or runner name presented during the handshake.
// '@' is reserved for username@host disambiguation and never allowed here.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("name %q contains invalid characters", name)
	}
	return nil
}
