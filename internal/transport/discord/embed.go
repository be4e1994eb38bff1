package discord

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"announcebot/internal/announcement"
	"announcebot/internal/transport"
)

// Discord rejects embeds over these sizes.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldValue  = 1024
	maxFooter      = 2048
)

func embed(c transport.Card) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       clip(c.Title, maxTitle),
		Description: clip(c.Description, maxDescription),
		Color:       c.Color,
	}
	if !c.Timestamp.IsZero() {
		e.Timestamp = c.Timestamp.UTC().Format(time.RFC3339)
	}
	for _, f := range c.Fields {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  clip(f.Value, maxFieldValue),
			Inline: f.Inline,
		})
	}
	if c.Footer != "" {
		e.Footer = &discordgo.MessageEmbedFooter{Text: clip(c.Footer, maxFooter), IconURL: c.FooterIconURL}
	}
	if c.ThumbnailURL != "" {
		e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: c.ThumbnailURL}
	}
	return e
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// deliveryError maps discordgo failures onto the delivery kinds.
func deliveryError(channelID string, err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		code := 0
		if rest.Message != nil {
			code = rest.Message.Code
		}
		status := 0
		if rest.Response != nil {
			status = rest.Response.StatusCode
		}
		switch {
		case code == discordgo.ErrCodeUnknownChannel || status == http.StatusNotFound:
			return announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, channelID, err)
		case code == discordgo.ErrCodeMissingAccess || code == discordgo.ErrCodeMissingPermissions || status == http.StatusForbidden:
			return announcement.NewDeliveryError(announcement.ErrPermissionDenied, channelID, err)
		}
	}
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, channelID, err)
	}
	return announcement.NewDeliveryError(announcement.ErrTransient, channelID, err)
}

var accessPerms = map[transport.Access][]struct {
	bit  int64
	name string
}{
	transport.AccessPost: {
		{discordgo.PermissionViewChannel, "view_channel"},
		{discordgo.PermissionSendMessages, "send_messages"},
		{discordgo.PermissionEmbedLinks, "embed_links"},
	},
	transport.AccessMention: {
		{discordgo.PermissionMentionEveryone, "mention_everyone"},
	},
	transport.AccessReact: {
		{discordgo.PermissionAddReactions, "add_reactions"},
	},
}

func checkPerms(channelID string, perms int64, need transport.Access) error {
	if perms&discordgo.PermissionAdministrator != 0 {
		return nil
	}
	var missing []string
	for _, p := range accessPerms[need] {
		if perms&p.bit == 0 {
			missing = append(missing, p.name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return announcement.NewDeliveryError(announcement.ErrPermissionDenied, channelID,
		fmt.Errorf("missing %s for %s", strings.Join(missing, ", "), need))
}
