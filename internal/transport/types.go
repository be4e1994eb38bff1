package transport

import (
	"context"
	"time"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an incoming chat message. IDs are strings so both Discord
// snowflakes and Telegram integer ids fit.
type Message struct {
	ID         string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Text       string
	// IsAdmin is the platform's own admin signal (Discord: Administrator
	// permission in the channel). Config allowlists are checked separately.
	IsAdmin bool
}

type MessageRef struct {
	ChannelID string
	MessageID string
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Card is a platform-neutral rich message. Discord renders it as an embed,
// Telegram as HTML text.
type Card struct {
	Title         string
	Description   string
	Color         int
	Fields        []Field
	Footer        string
	FooterIconURL string
	ThumbnailURL  string
	Timestamp     time.Time
}

type Adapter interface {
	// Name is the platform name ("discord", "telegram").
	Name() string

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendCard(ctx context.Context, channelID string, card Card) (MessageRef, error)
	SendText(ctx context.Context, channelID string, text string) (MessageRef, error)

	// Mention renders the platform mention syntax for an audience id.
	Mention(audience string) string
}

// Access is a capability the bot needs in a destination channel.
type Access int

const (
	AccessPost Access = iota
	AccessMention
	AccessReact
)

func (a Access) String() string {
	switch a {
	case AccessPost:
		return "post"
	case AccessMention:
		return "mention"
	case AccessReact:
		return "react"
	default:
		return "unknown"
	}
}

// AccessChecker is an optional interface for adapters that can verify
// channel permissions before sending.
type AccessChecker interface {
	CheckAccess(ctx context.Context, channelID string, need Access) error
}

// Reactor is an optional interface for adapters that support reactions.
type Reactor interface {
	React(ctx context.Context, ref MessageRef, emoji string) error
}

// PresenceSetter is an optional interface for adapters that show a status line.
type PresenceSetter interface {
	SetPresence(ctx context.Context, text string) error
}
