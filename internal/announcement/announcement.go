// Package announcement holds the record relayed by announcebot and the
// delivery error kinds shared by the relay loop and the transports.
package announcement

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Type is the announcement category. Unknown values are kept verbatim.
type Type string

const (
	TypeEvent       Type = "event"
	TypeUpdate      Type = "update"
	TypeMaintenance Type = "maintenance"
)

// Known reports whether t is one of the built-in categories.
func (t Type) Known() bool {
	switch t {
	case TypeEvent, TypeUpdate, TypeMaintenance:
		return true
	default:
		return false
	}
}

// Label returns the display label ("maintenance" -> "Maintenance").
func (t Type) Label() string {
	s := strings.TrimSpace(string(t))
	if s == "" {
		return "Announcement"
	}
	words := strings.Fields(s)
	for i, w := range words {
		r, n := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[n:])
	}
	return strings.Join(words, " ")
}

// Announcement is a read-only row owned by the source database.
// ID is the only ordering key.
type Announcement struct {
	ID            int64     `db:"id" json:"id"`
	Type          Type      `db:"type" json:"type"`
	Title         string    `db:"title" json:"title"`
	Description   string    `db:"description" json:"description"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	Priority      int       `db:"priority" json:"priority"`
	CreatedByName string    `db:"created_by_name" json:"created_by_name"`
}

// Urgent reports whether the announcement reaches the ping threshold.
func (a Announcement) Urgent(threshold int) bool {
	return a.Priority >= threshold
}

// Sample returns the announcement used by the "test" command.
func Sample(now time.Time) Announcement {
	return Announcement{
		ID:            0,
		Type:          TypeEvent,
		Title:         "Test Announcement",
		Description:   "This is a test announcement from the bot!",
		CreatedAt:     now.UTC(),
		Priority:      0,
		CreatedByName: "announcebot",
	}
}
