package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": watermark as one line of text, audit as JSON Lines next to it
//   - "sqlite": SQLite database file
//   - "redis": Redis keys under KeyPrefix
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	URL         string
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// WatermarkStore persists the id of the last delivered announcement.
type WatermarkStore interface {
	// LoadWatermark returns ok=false with a nil error when nothing has been
	// persisted yet.
	LoadWatermark(ctx context.Context) (id int64, ok bool, err error)
	// SaveWatermark durably overwrites the persisted value.
	SaveWatermark(ctx context.Context, id int64) error
}

// Store is the persistence API used by the relay and the command handlers.
type Store interface {
	WatermarkStore
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Audit kinds.
const (
	AuditCommand    = "command"
	AuditDeadLetter = "dead_letter"
)

// AuditEntry records an operator command or a dead-lettered announcement.
// Keep it compact and schema-stable.
type AuditEntry struct {
	ID             string    `json:"id"`
	At             time.Time `json:"at"`
	Kind           string    `json:"kind"`
	ActorID        string    `json:"actor_id,omitempty"`
	ActorName      string    `json:"actor_name,omitempty"`
	ChannelID      string    `json:"channel_id,omitempty"`
	Action         string    `json:"action"`
	AnnouncementID int64     `json:"announcement_id,omitempty"`
	OK             bool      `json:"ok"`
	Error          string    `json:"error,omitempty"`
}
