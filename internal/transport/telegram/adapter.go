// Package telegram implements transport.Adapter on top of telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"announcebot/internal/announcement"
	rtsup "announcebot/internal/runtime/supervisor"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

type Config struct {
	Token       string
	ThreadID    int
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Pointer[chan<- transport.Update]

	runMu   sync.Mutex
	running bool
	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	dropped atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		OnError: func(err error, c tele.Context) { log.Warn("telebot error", logx.Err(err)) },
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	p := a.out.Load()
	if p == nil || *p == nil {
		return nil
	}
	up := transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:         strconv.Itoa(m.ID),
			ChannelID:  strconv.FormatInt(m.Chat.ID, 10),
			AuthorID:   strconv.FormatInt(m.Sender.ID, 10),
			AuthorName: m.Sender.Username,
			Text:       m.Text,
		},
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(&out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
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

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		// Stop blocks until the poller acknowledges; do not hold the supervisor on it.
		go a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second})
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.out.Store(nil)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Never block shutdown for long on the getUpdates long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, time.Until(dl))
	}
	wctx, cancel := context.WithTimeout(ctx, max(grace, 0))
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Debug("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

func (a *Adapter) SendCard(ctx context.Context, channelID string, card transport.Card) (transport.MessageRef, error) {
	// A card is always one message; renderHTML clips it to fit.
	return a.send(ctx, channelID, []string{renderHTML(card)}, &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: card.ThumbnailURL == "",
	})
}

func (a *Adapter) SendText(ctx context.Context, channelID, text string) (transport.MessageRef, error) {
	return a.send(ctx, channelID, splitText(text, textLimit), &tele.SendOptions{})
}

func (a *Adapter) send(ctx context.Context, channelID string, chunks []string, opt *tele.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return transport.MessageRef{}, announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, channelID,
			fmt.Errorf("invalid chat id: %w", err))
	}
	opt.ThreadID = a.cfg.ThreadID

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(&tele.Chat{ID: chatID}, chunk, opt)
		if err != nil {
			return first, deliveryError(channelID, err)
		}
		if i == 0 {
			first = transport.MessageRef{ChannelID: channelID, MessageID: strconv.Itoa(msg.ID)}
		}
	}
	return first, nil
}

// Mention renders an audience as text. Usernames get an "@" when missing;
// anything with spaces is used verbatim.
func (a *Adapter) Mention(audience string) string {
	audience = strings.TrimSpace(audience)
	if audience == "" || strings.HasPrefix(audience, "@") || strings.ContainsAny(audience, " \t") {
		return audience
	}
	return "@" + audience
}

// deliveryError maps Bot API descriptions onto the delivery kinds.
func deliveryError(chatID string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "thread not found"),
		strings.Contains(msg, "group chat was upgraded"):
		return announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, chatID, err)
	case strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "not enough rights"),
		strings.Contains(msg, "have no rights"),
		strings.Contains(msg, "kicked"):
		return announcement.NewDeliveryError(announcement.ErrPermissionDenied, chatID, err)
	default:
		return announcement.NewDeliveryError(announcement.ErrTransient, chatID, err)
	}
}
