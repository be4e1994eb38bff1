package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"announcebot/internal/announcement"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

const (
	DefaultPingThreshold = 5

	historyMax = 20
)

// Config is the destination and presentation of posts.
type Config struct {
	ChannelID string
	// Audience is the platform id pinged for urgent items (Discord role,
	// Telegram username or text). Empty disables pings.
	Audience      string
	PingThreshold int
	Style         Style
}

type HistoryItem struct {
	At             time.Time `json:"at"`
	AnnouncementID int64     `json:"announcement_id"`
	Title          string    `json:"title"`
	MessageID      string    `json:"message_id"`
	Pinged         bool      `json:"pinged"`
}

// Sink posts announcements through a transport adapter.
//
// It is safe for concurrent use; Apply may run while Deliver is in flight.
type Sink struct {
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	history []HistoryItem
}

func New(adapter transport.Adapter, cfg Config, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{adapter: adapter, log: log, cfg: cfg}
}

// Apply swaps the destination and style.
func (s *Sink) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Sink) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Deliver posts a to the configured channel. A nil return means the card was
// accepted by the platform.
func (s *Sink) Deliver(ctx context.Context, a announcement.Announcement) error {
	cfg := s.config()
	log := s.log.With(logx.Int64("id", a.ID), logx.String("channel", cfg.ChannelID))

	if strings.TrimSpace(cfg.ChannelID) == "" {
		return announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, "", errors.New("no channel configured"))
	}

	checker, _ := s.adapter.(transport.AccessChecker)
	if checker != nil {
		if err := checker.CheckAccess(ctx, cfg.ChannelID, transport.AccessPost); err != nil {
			return classify(cfg.ChannelID, err)
		}
	}

	ref, err := s.adapter.SendCard(ctx, cfg.ChannelID, Render(a, cfg.Style))
	if err != nil {
		return classify(cfg.ChannelID, err)
	}

	s.react(ctx, log, checker, ref, cfg.Style.Reactions)
	pinged := s.ping(ctx, log, checker, cfg, a)

	s.appendHistory(HistoryItem{
		At:             time.Now(),
		AnnouncementID: a.ID,
		Title:          a.Title,
		MessageID:      ref.MessageID,
		Pinged:         pinged,
	})
	return nil
}

func (s *Sink) react(ctx context.Context, log logx.Logger, checker transport.AccessChecker, ref transport.MessageRef, emojis []string) {
	if len(emojis) == 0 {
		return
	}
	reactor, ok := s.adapter.(transport.Reactor)
	if !ok {
		return
	}
	if checker != nil {
		if err := checker.CheckAccess(ctx, ref.ChannelID, transport.AccessReact); err != nil {
			log.Debug("skipping reactions", logx.Err(err))
			return
		}
	}
	for _, e := range emojis {
		if e = strings.TrimSpace(e); e == "" {
			continue
		}
		if err := reactor.React(ctx, ref, e); err != nil {
			log.Warn("add reaction failed", logx.String("emoji", e), logx.Err(err))
		}
	}
}

// ping sends the mention line for urgent announcements. Failures never fail
// the delivery.
func (s *Sink) ping(ctx context.Context, log logx.Logger, checker transport.AccessChecker, cfg Config, a announcement.Announcement) bool {
	if !a.Urgent(cfg.PingThreshold) || strings.TrimSpace(cfg.Audience) == "" {
		return false
	}
	if checker != nil {
		if err := checker.CheckAccess(ctx, cfg.ChannelID, transport.AccessMention); err != nil {
			log.Warn("cannot mention audience; ping skipped", logx.String("audience", cfg.Audience), logx.Err(err))
			return false
		}
	}
	if _, err := s.adapter.SendText(ctx, cfg.ChannelID, PingText(s.adapter.Mention(cfg.Audience))); err != nil {
		log.Warn("ping failed", logx.String("audience", cfg.Audience), logx.Err(err))
		return false
	}
	return true
}

// Preview posts a to an arbitrary channel without pings or history. The test
// command uses it.
func (s *Sink) Preview(ctx context.Context, channelID string, a announcement.Announcement) error {
	cfg := s.config()
	if _, err := s.adapter.SendCard(ctx, channelID, Render(a, cfg.Style)); err != nil {
		return classify(channelID, err)
	}
	return nil
}

func (s *Sink) History() []HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Sink) appendHistory(it HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, it)
	if over := len(s.history) - historyMax; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// classify makes sure every error leaving the sink carries a delivery kind.
func classify(channelID string, err error) error {
	var de *announcement.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return announcement.NewDeliveryError(announcement.KindOf(err), channelID, err)
}
