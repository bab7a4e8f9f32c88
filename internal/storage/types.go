package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": shared Redis instance, one sorted set per scope
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only; default "haulnotify"
}

// SeenRecord is one id of the dedup seen-set. Until is when the record may be
// forgotten; records are returned oldest first.
type SeenRecord struct {
	ID    string    `json:"id"`
	Until time.Time `json:"until"`
}

// AuditEntry records a presentation action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At             time.Time `json:"at"`
	Scope          string    `json:"scope"`
	Action         string    `json:"action"`
	NotificationID string    `json:"notification_id,omitempty"`
	ThreadKey      string    `json:"thread_key,omitempty"`
	Remote         string    `json:"remote,omitempty"`
	Count          int       `json:"count,omitempty"`
	Error          string    `json:"error,omitempty"`
}
