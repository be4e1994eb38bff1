// Package app wires the relay, its collaborators and the ambient services
// (commands, hot reload, ops server, systemd) into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"announcebot/internal/config"
	"announcebot/internal/eventbus"
	"announcebot/internal/notifier"
	"announcebot/internal/ops"
	"announcebot/internal/relay"
	rtsup "announcebot/internal/runtime/supervisor"
	"announcebot/internal/source"
	"announcebot/internal/storage"
	"announcebot/internal/transport"
	"announcebot/internal/transport/discord"
	"announcebot/internal/transport/telegram"
	logx "announcebot/pkg/logx"
	"announcebot/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	events eventbus.Bus

	adapter transport.Adapter
	store   storage.Store
	src     *source.SQLSource
	sink    *notifier.Sink
	relay   *relay.Relay
	cmdm    *CommandManager
	ops     *ops.Server

	started time.Time
	updates chan transport.Update
}

// New loads the config and builds every component. Nothing talks to the
// chat platform until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateRuntime(ctx, cfg); err != nil {
		return nil, err
	}

	// The chat sink needs the adapter, which needs a logger; the sender is
	// attached once the adapter exists.
	logSvc, log := logx.New(mapLogConfig(cfg), nil)

	ad, err := newAdapter(cfg, log.With(logx.String("comp", cfg.PlatformName())))
	if err != nil {
		return nil, err
	}
	logSvc.SetSender(chatSender{ad})

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("opening watermark store: %w", err)
	}

	srcCfg, _ := mapSourceConfig(cfg)
	src, err := source.Open(ctx, srcCfg, log.With(logx.String("comp", "source")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("opening announcement source: %w", err)
	}

	sink := notifier.New(ad, mapSinkConfig(cfg), log.With(logx.String("comp", "notifier")))
	rc, _ := mapRelayConfig(cfg)
	events := eventbus.New()
	rel := relay.New(src, sink, store, rc, relay.Options{Log: log.With(logx.String("comp", "relay")), Events: events})

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		events:  events,
		adapter: ad,
		store:   store,
		src:     src,
		sink:    sink,
		relay:   rel,
		updates: make(chan transport.Update, 256),
	}

	prefix, admins := commandAccess(cfg)
	a.cmdm = NewCommandManager(log.With(logx.String("comp", "commands")), CommandDeps{
		Adapter: ad,
		Relay:   rel,
		Sink:    sink,
		Config:  cfgm,
		Source:  src,
		Audit:   store,
		Now:     time.Now,
	}, prefix, admins)

	oc, _ := mapOpsConfig(cfg)
	a.ops = ops.New(oc, a.statusDoc, a.health, log)
	return a, nil
}

func newAdapter(cfg *config.Config, log logx.Logger) (transport.Adapter, error) {
	switch cfg.PlatformName() {
	case "telegram":
		t := cfg.Telegram
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, defaultPollTimeout)
		if err != nil {
			return nil, err
		}
		return telegram.New(telegram.Config{Token: t.Token, ThreadID: t.ThreadID, PollTimeout: poll}, log)
	default:
		return discord.New(discord.Config{Token: cfg.Discord.Token}, log)
	}
}

// chatSender adapts a transport to the log chat sink.
type chatSender struct{ ad transport.Adapter }

func (c chatSender) SendText(ctx context.Context, channelID, text string) error {
	_, err := c.ad.SendText(ctx, channelID, text)
	return err
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.cmdm.deps.Started = a.started
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateRuntime)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("starting %s adapter: %w", a.adapter.Name(), err)
	}
	if err := a.relay.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	progress, unsubProgress := a.events.Subscribe(32)
	a.sup.Go0("relay.progress", func(c context.Context) {
		defer unsubProgress()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-progress:
				if !ok {
					return
				}
				_, _ = systemd.Status(progressLine(e))
			}
		}
	})

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv, func() error { return a.health(c) }, a.log)
		})
	}
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("platform", a.adapter.Name()),
		logx.Int64("watermark", a.relay.Watermark()),
	)
	return nil
}

// applyConfig fans a validated config out to the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(mapLogConfig(next))

	if rc, err := mapRelayConfig(next); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rc)
	}
	a.sink.Apply(mapSinkConfig(next))
	a.cmdm.SetAccess(commandAccess(next))

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		// The server must outlive this handler, so it runs on the app context.
		a.ops.Reconfigure(a.sup.Context(), oc)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts every component down within ctx. Each step is bounded so one
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	_, _ = systemd.Stopping()

	// The relay goes first so a confirmed delivery is persisted before the
	// transport disappears.
	a.step(ctx, "relay", 5*time.Second, a.relay.Stop)
	a.sup.Cancel()
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	a.step(ctx, "source", time.Second, func(context.Context) error { return a.src.Close() })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped", logx.String("uptime", time.Since(a.started).Round(time.Second).String()))
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// progressLine renders a relay event as a systemd STATUS= line.
func progressLine(e eventbus.Event) string {
	switch e.Kind {
	case eventbus.KindDelivered:
		return fmt.Sprintf("delivered #%d, watermark %d", e.AnnouncementID, e.Watermark)
	case eventbus.KindDeadLettered:
		return fmt.Sprintf("dead-lettered #%d, watermark %d", e.AnnouncementID, e.Watermark)
	default:
		return fmt.Sprintf("fetch failed at watermark %d: %s", e.Watermark, e.Err)
	}
}

// ---- observability ----

type statusDoc struct {
	Platform   string                 `json:"platform"`
	Uptime     string                 `json:"uptime"`
	Relay      relay.Status           `json:"relay"`
	Source     sourceStatus           `json:"source"`
	Recent     []notifier.HistoryItem `json:"recent"`
	Goroutines []rtsup.TaskStats      `json:"supervised"`
}

type sourceStatus struct {
	OK    bool   `json:"ok"`
	InUse int    `json:"in_use"`
	Error string `json:"error,omitempty"`
}

func (a *App) statusDoc(ctx context.Context) any {
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	ss := sourceStatus{OK: true, InUse: a.src.InUse()}
	if err := a.src.Ping(pctx); err != nil {
		ss.OK, ss.Error = false, err.Error()
	}
	doc := statusDoc{
		Platform: a.adapter.Name(),
		Uptime:   time.Since(a.started).Round(time.Second).String(),
		Relay:    a.relay.Snapshot(),
		Source:   ss,
		Recent:   a.sink.History(),
	}
	if a.sup != nil {
		doc.Goroutines = a.sup.Snapshot()
	}
	return doc
}

// healthStallLimit is how long the loop may go without ticking (when idle)
// or without settling an item (when busy) before it is reported unhealthy.
const healthStallLimit = 5 * time.Minute

func (a *App) health(context.Context) error {
	return relayHealth(a.relay.Snapshot(), time.Now())
}

// relayHealth fails when the loop has stopped, an idle loop has missed its
// schedule, or a running tick has made no progress for healthStallLimit. A
// long batch that keeps delivering stays healthy.
func relayHealth(st relay.Status, now time.Time) error {
	if !st.Running {
		return errors.New("relay is not running")
	}
	switch st.State {
	case relay.StateFetching, relay.StateDelivering:
		if st.LastProgressAt.IsZero() {
			return nil
		}
		if idle := now.Sub(st.LastProgressAt); idle > healthStallLimit {
			return errors.New("relay tick stalled for " + strconv.FormatInt(int64(idle/time.Second), 10) + "s")
		}
		return nil
	}
	if st.NextTickAt.IsZero() {
		return nil
	}
	if late := now.Sub(st.NextTickAt); late > healthStallLimit {
		return errors.New("relay tick overdue by " + strconv.FormatInt(int64(late/time.Second), 10) + "s")
	}
	return nil
}
