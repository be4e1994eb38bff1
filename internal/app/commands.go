package app

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"announcebot/internal/announcement"
	"announcebot/internal/config"
	"announcebot/internal/relay"
	rtsup "announcebot/internal/runtime/supervisor"
	"announcebot/internal/storage"
	"announcebot/internal/transport"
	logx "announcebot/pkg/logx"
)

const statusColor = 0x00FF00

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Admin       bool
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Msg     *transport.Message
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger
}

// Ports the commands need; *relay.Relay, *notifier.Sink and friends satisfy them.
type (
	relayPort interface {
		Snapshot() relay.Status
		Trigger() bool
	}
	previewPort interface {
		Preview(ctx context.Context, channelID string, a announcement.Announcement) error
	}
	reloadPort interface {
		Reload(ctx context.Context) (*config.Config, error)
	}
	pingPort interface {
		Ping(ctx context.Context) error
	}
	auditPort interface {
		AppendAudit(ctx context.Context, e storage.AuditEntry) error
	}
)

type CommandDeps struct {
	Adapter transport.Adapter
	Relay   relayPort
	Sink    previewPort
	Config  reloadPort
	Source  pingPort
	Audit   auditPort
	Started time.Time
	Now     func() time.Time
}

// CommandManager parses prefixed chat messages and runs the matching command
// on a small worker pool.
type CommandManager struct {
	log  logx.Logger
	deps CommandDeps

	mu       sync.RWMutex
	prefix   string
	admins   []string
	cmds     map[string]*Command
	limiters map[string]*rate.Limiter

	jobs chan func()
}

func NewCommandManager(log logx.Logger, deps CommandDeps, prefix string, admins []string) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	m := &CommandManager{
		log:      log,
		deps:     deps,
		cmds:     map[string]*Command{},
		limiters: map[string]*rate.Limiter{},
		jobs:     make(chan func(), 64),
	}
	m.SetAccess(prefix, admins)
	for _, c := range m.builtins() {
		m.register(c)
	}
	return m
}

func (m *CommandManager) register(c Command) {
	cmd := c
	m.cmds[c.Name] = &cmd
	for _, a := range c.Aliases {
		m.cmds[a] = &cmd
	}
}

// SetAccess swaps the prefix and the admin allowlist (hot reload).
func (m *CommandManager) SetAccess(prefix string, admins []string) {
	m.mu.Lock()
	m.prefix = strings.TrimSpace(prefix)
	m.admins = slices.Clone(admins)
	m.mu.Unlock()
}

func (m *CommandManager) isAdmin(msg *transport.Message) bool {
	if msg.IsAdmin {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.admins, msg.AuthorID)
}

// allow rate limits each author to a burst of 3 commands, refilled every 2s.
func (m *CommandManager) allow(authorID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.limiters[authorID]
	if l == nil {
		if len(m.limiters) > 1024 {
			clear(m.limiters)
		}
		l = rate.NewLimiter(rate.Every(2*time.Second), 3)
		m.limiters[authorID] = l
	}
	return l.Allow()
}

// parse splits "!name arg..." into its parts. ok is false for non-commands.
func (m *CommandManager) parse(text string) (name string, args []string, ok bool) {
	m.mu.RLock()
	prefix := m.prefix
	m.mu.RUnlock()

	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", nil, false
	}
	parts := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(parts) == 0 {
		return "", nil, false
	}
	name = strings.ToLower(parts[0])
	// Telegram appends the bot name in groups: /status@announce_bot
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name, parts[1:], true
}

// DispatchLoop reads updates until ctx is cancelled.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "commands.pool"))),
	)
	const workers = 2
	for i := range workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					job()
				}
			}
		}, rtsup.Backoff{Min: 200 * time.Millisecond, Max: 5 * time.Second})
	}
	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	m.log.Info("command dispatcher started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != transport.UpdateMessage || up.Message == nil {
				continue
			}
			if job := m.route(ctx, up.Message); job != nil {
				select {
				case m.jobs <- job:
				default:
					m.reply(ctx, up.Message, "busy, try again")
				}
			}
		}
	}
}

// route resolves msg to a runnable job, or nil when nothing should run.
func (m *CommandManager) route(ctx context.Context, msg *transport.Message) func() {
	name, args, ok := m.parse(msg.Text)
	if !ok {
		return nil
	}
	cmd := m.cmds[name]
	if cmd == nil {
		// Unknown commands are ignored; the prefix is shared with other bots.
		return nil
	}
	if !m.allow(msg.AuthorID) {
		m.log.Debug("command rate limited", logx.String("author_id", msg.AuthorID), logx.String("cmd", cmd.Name))
		return nil
	}
	if cmd.Admin && !m.isAdmin(msg) {
		m.audit(ctx, msg, cmd.Name, errUnauthorized)
		return func() { m.reply(ctx, msg, "❌ You need administrator permission to use this command.") }
	}

	rid := uuid.NewString()
	req := &Request{
		Msg:     msg,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("channel_id", msg.ChannelID),
			logx.String("author_id", msg.AuthorID),
			logx.String("cmd", cmd.Name),
		),
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWAudit(m),
		MWTimeout(cmd.Timeout),
	)
	return func() { _ = final(ctx, req) }
}

var errUnauthorized = errors.New("unauthorized")

func (m *CommandManager) audit(ctx context.Context, msg *transport.Message, action string, err error) {
	if m.deps.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		Kind:      storage.AuditCommand,
		ActorID:   msg.AuthorID,
		ActorName: msg.AuthorName,
		ChannelID: msg.ChannelID,
		Action:    action,
		OK:        err == nil,
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if aerr := m.deps.Audit.AppendAudit(actx, e); aerr != nil {
		m.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (m *CommandManager) reply(ctx context.Context, msg *transport.Message, text string) {
	if _, err := m.deps.Adapter.SendText(ctx, msg.ChannelID, text); err != nil {
		m.log.Warn("reply failed", logx.String("channel_id", msg.ChannelID), logx.Err(err))
	}
}

func (m *CommandManager) builtins() []Command {
	return []Command{
		{Name: "status", Description: "show relay status", Timeout: 10 * time.Second, Handle: m.cmdStatus},
		{Name: "test", Description: "post a sample announcement here", Admin: true, Timeout: 30 * time.Second, Handle: m.cmdTest},
		{Name: "reload", Description: "reload the config file", Admin: true, Timeout: 15 * time.Second, Handle: m.cmdReload},
		{Name: "poll", Aliases: []string{"check"}, Description: "check for announcements now", Admin: true, Handle: m.cmdPoll},
	}
}

func (m *CommandManager) cmdStatus(ctx context.Context, req *Request) error {
	st := m.deps.Relay.Snapshot()

	db := "Connected ✅"
	if m.deps.Source != nil {
		if err := m.deps.Source.Ping(ctx); err != nil {
			db = "Unreachable ❌"
			req.Logger.Warn("source ping failed", logx.Err(err))
		}
	}
	last := "never"
	if !st.LastTickAt.IsZero() {
		last = st.LastTickAt.UTC().Format(time.RFC3339)
	}
	card := transport.Card{
		Title: "Bot Status",
		Color: statusColor,
		Fields: []transport.Field{
			{Name: "Last Announcement ID", Value: strconv.FormatInt(st.Watermark, 10), Inline: true},
			{Name: "Database Pool", Value: db, Inline: true},
			{Name: "Uptime", Value: formatUptime(m.deps.Now().Sub(m.deps.Started)), Inline: true},
			{Name: "Last Check", Value: last, Inline: true},
			{Name: "Schedule", Value: st.Schedule, Inline: true},
		},
		Timestamp: m.deps.Now(),
	}
	if st.LastError != "" {
		card.Fields = append(card.Fields, transport.Field{Name: "Last Error", Value: st.LastError})
	}
	_, err := m.deps.Adapter.SendCard(ctx, req.Msg.ChannelID, card)
	return err
}

func (m *CommandManager) cmdTest(ctx context.Context, req *Request) error {
	if err := m.deps.Sink.Preview(ctx, req.Msg.ChannelID, announcement.Sample(m.deps.Now())); err != nil {
		m.reply(ctx, req.Msg, "❌ Test announcement failed: "+announcement.KindName(announcement.KindOf(err)))
		return err
	}
	m.reply(ctx, req.Msg, "✅ Test announcement sent!")
	return nil
}

func (m *CommandManager) cmdReload(ctx context.Context, req *Request) error {
	_, err := m.deps.Config.Reload(ctx)
	switch {
	case errors.Is(err, config.ErrUnchanged):
		m.reply(ctx, req.Msg, "✅ Configuration unchanged.")
		return nil
	case err != nil:
		m.reply(ctx, req.Msg, "❌ Error reloading configuration: "+err.Error())
		return err
	}
	m.reply(ctx, req.Msg, "✅ Configuration reloaded successfully!")
	return nil
}

func (m *CommandManager) cmdPoll(ctx context.Context, req *Request) error {
	if m.deps.Relay.Trigger() {
		m.reply(ctx, req.Msg, "🔄 Checking for announcements.")
	} else {
		m.reply(ctx, req.Msg, "⏳ A check is already queued.")
	}
	return nil
}

func formatUptime(d time.Duration) string {
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	h := int(d / time.Hour)
	mins := int((d - time.Duration(h)*time.Hour) / time.Minute)
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, h, mins)
	}
	return fmt.Sprintf("%dh %dm", h, mins)
}

// ---- middleware ----

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			start := time.Now()
			err := next(ctx, req)
			d := time.Since(start)
			if err != nil {
				logger.Warn("command failed", logx.Duration("dur", d), logx.Err(err))
			} else if d >= 750*time.Millisecond {
				logger.Info("command ok", logx.Duration("dur", d))
			} else {
				logger.Debug("command ok", logx.Duration("dur", d))
			}
			return err
		}
	}
}

// MWAudit records every admin-visible invocation in the store's audit log.
func MWAudit(m *CommandManager) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			m.audit(ctx, req.Msg, req.Command, err)
			return err
		}
	}
}
