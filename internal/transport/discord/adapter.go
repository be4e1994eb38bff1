// Package discord implements transport.Adapter on top of discordgo.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	rtsup "announcebot/internal/runtime/supervisor"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

const DefaultPresence = "for announcements"

type Config struct {
	Token string
	// Presence is shown as "Watching <Presence>". Empty uses the default.
	Presence string
}

type Adapter struct {
	cfg Config
	log logx.Logger

	sess *discordgo.Session
	out  atomic.Pointer[chan<- transport.Update]

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	removes []func()

	dropped atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)
var _ transport.AccessChecker = (*Adapter)(nil)
var _ transport.Reactor = (*Adapter)(nil)
var _ transport.PresenceSetter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	sess.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	return &Adapter{cfg: cfg, log: log, sess: sess}, nil
}

func (a *Adapter) Name() string { return "discord" }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(&out)

	a.removes = append(a.removes,
		a.sess.AddHandler(a.onReady),
		a.sess.AddHandler(a.onMessage),
	)
	if err := a.sess.Open(); err != nil {
		a.removeHandlers()
		return err
	}
	a.running = true

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "discord.adapter"))))
	a.sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) removeHandlers() {
	for _, rm := range a.removes {
		rm()
	}
	a.removes = nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.out.Store(nil)
	a.removeHandlers()

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.log.Debug("discord supervisor stop", logx.Err(err))
		}
		a.sup = nil
	}
	return a.sess.Close()
}

func (a *Adapter) onReady(s *discordgo.Session, r *discordgo.Ready) {
	a.log.Info("connected", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
	if err := a.SetPresence(context.Background(), a.cfg.Presence); err != nil {
		a.log.Warn("set presence failed", logx.Err(err))
	}
}

func (a *Adapter) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	msg := &transport.Message{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Text:       m.Content,
	}
	if perms, err := s.State.MessagePermissions(m.Message); err == nil {
		msg.IsAdmin = perms&discordgo.PermissionAdministrator != 0
	}
	select {
	case *p <- transport.Update{Kind: transport.UpdateMessage, Message: msg}:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) SendCard(ctx context.Context, channelID string, card transport.Card) (transport.MessageRef, error) {
	msg, err := a.sess.ChannelMessageSendEmbed(channelID, embed(card), discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, deliveryError(channelID, err)
	}
	return transport.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (transport.MessageRef, error) {
	send := &discordgo.MessageSend{
		Content:         text,
		AllowedMentions: allowedMentions(text),
	}
	msg, err := a.sess.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, deliveryError(channelID, err)
	}
	return transport.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

// allowedMentions resolves role and user mentions anywhere in text.
// @everyone and @here only ping when the message leads with them, as a ping
// for an "@everyone" audience does; elsewhere they stay inert.
func allowedMentions(text string) *discordgo.MessageAllowedMentions {
	parse := []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeRoles, discordgo.AllowedMentionTypeUsers}
	lead, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	if lead == "@everyone" || lead == "@here" {
		parse = append(parse, discordgo.AllowedMentionTypeEveryone)
	}
	return &discordgo.MessageAllowedMentions{Parse: parse}
}

func (a *Adapter) React(ctx context.Context, ref transport.MessageRef, emoji string) error {
	return a.sess.MessageReactionAdd(ref.ChannelID, ref.MessageID, emoji, discordgo.WithContext(ctx))
}

func (a *Adapter) SetPresence(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		text = DefaultPresence
	}
	return a.sess.UpdateWatchStatus(0, text)
}

// Mention renders a role mention. Values that already look like a mention
// ("<@&1>", "@everyone") are used verbatim.
func (a *Adapter) Mention(audience string) string {
	audience = strings.TrimSpace(audience)
	if audience == "" || strings.HasPrefix(audience, "<") || strings.HasPrefix(audience, "@") {
		return audience
	}
	return "<@&" + audience + ">"
}

// CheckAccess compares the bot's effective permissions in channelID with
// what need requires.
func (a *Adapter) CheckAccess(ctx context.Context, channelID string, need transport.Access) error {
	if a.sess.State == nil || a.sess.State.User == nil {
		// Not connected yet; let the send itself report problems.
		return nil
	}
	botID := a.sess.State.User.ID

	perms, err := a.sess.State.UserChannelPermissions(botID, channelID)
	if err != nil {
		perms, err = a.sess.UserChannelPermissions(botID, channelID, discordgo.WithContext(ctx))
	}
	if err != nil {
		return deliveryError(channelID, err)
	}
	return checkPerms(channelID, perms, need)
}
