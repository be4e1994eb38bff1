package notifier

import (
	"fmt"
	"strings"

	"announcebot/internal/announcement"
	"announcebot/internal/transport"
)

const (
	DefaultColor = 0x6B7280
	DefaultIcon  = "📢"
)

var (
	defaultColors = map[string]int{
		string(announcement.TypeEvent):       0x9333EA,
		string(announcement.TypeUpdate):      0x3B82F6,
		string(announcement.TypeMaintenance): 0xF97316,
	}
	defaultIcons = map[string]string{
		string(announcement.TypeEvent):       "🎉",
		string(announcement.TypeUpdate):      "⚡",
		string(announcement.TypeMaintenance): "🔧",
	}
)

// Style holds the per-type presentation. Map keys are announcement types;
// Thumbnails also accepts "default". Entries override the built-ins.
type Style struct {
	Colors        map[string]int
	Icons         map[string]string
	Thumbnails    map[string]string
	ThumbnailURL  string
	FooterIconURL string
	Reactions     []string
}

func (s Style) color(t announcement.Type) int {
	if c, ok := s.Colors[string(t)]; ok {
		return c
	}
	if c, ok := defaultColors[string(t)]; ok {
		return c
	}
	return DefaultColor
}

func (s Style) icon(t announcement.Type) string {
	if v := strings.TrimSpace(s.Icons[string(t)]); v != "" {
		return v
	}
	if v, ok := defaultIcons[string(t)]; ok {
		return v
	}
	return DefaultIcon
}

func (s Style) thumbnail(t announcement.Type) string {
	if v := strings.TrimSpace(s.Thumbnails[string(t)]); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.Thumbnails["default"]); v != "" {
		return v
	}
	return strings.TrimSpace(s.ThumbnailURL)
}

// Render builds the card posted for a.
func Render(a announcement.Announcement, style Style) transport.Card {
	card := transport.Card{
		Title:         a.Title,
		Description:   a.Description,
		Color:         style.color(a.Type),
		Timestamp:     a.CreatedAt,
		ThumbnailURL:  style.thumbnail(a.Type),
		FooterIconURL: strings.TrimSpace(style.FooterIconURL),
	}
	card.Fields = append(card.Fields, transport.Field{
		Name:   "Type",
		Value:  style.icon(a.Type) + " " + a.Type.Label(),
		Inline: true,
	})
	if a.Priority > 0 {
		card.Fields = append(card.Fields, transport.Field{
			Name:   "Priority",
			Value:  fmt.Sprintf("⭐ %d", a.Priority),
			Inline: true,
		})
	}
	if name := strings.TrimSpace(a.CreatedByName); name != "" {
		card.Footer = "Posted by " + name
	}
	return card
}

// PingText is the line sent to the audience for urgent announcements.
func PingText(mention string) string {
	return mention + " New high priority announcement!"
}
