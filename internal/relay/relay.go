package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"announcebot/internal/announcement"
	"announcebot/internal/eventbus"
	"announcebot/internal/source"
	"announcebot/internal/storage"
	logx "announcebot/pkg/logx"
)

const (
	DefaultPacing = 2 * time.Second

	persistTimeout = 10 * time.Second
)

// Sink delivers one announcement to the destination channel. A nil error
// means the post is confirmed.
type Sink interface {
	Deliver(ctx context.Context, a announcement.Announcement) error
}

// auditor is implemented by stores that keep an audit log.
type auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Config is the runtime-tunable part of the loop.
type Config struct {
	Schedule        Schedule
	Pacing          time.Duration // wait between deliveries of one batch
	DeliveryTimeout time.Duration // 0: rely on the sink's own timeout
	MaxAttempts     int           // 0: retry forever
}

type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateDelivering State = "delivering"
	StateStopped    State = "stopped"
)

// Status is a point-in-time view of the loop for commands and the ops server.
type Status struct {
	State        State     `json:"state"`
	Running      bool      `json:"running"`
	Watermark    int64     `json:"watermark"`
	Persisted    bool      `json:"persisted"`
	Schedule     string    `json:"schedule"`
	LastTickID   string    `json:"last_tick_id,omitempty"`
	LastTickAt   time.Time `json:"last_tick_at,omitempty"`
	NextTickAt   time.Time `json:"next_tick_at,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Delivered    uint64    `json:"delivered"`
	Failures     uint64    `json:"failures"`
	DeadLettered uint64    `json:"dead_lettered"`

	// LastProgressAt is when a tick last started or settled an item
	// (delivered or dead-lettered). It keeps moving during long batches.
	LastProgressAt time.Time `json:"last_progress_at,omitempty"`
}

// TickResult summarizes one tick.
type TickResult struct {
	ID           string
	Skipped      bool // another tick was still running
	Fetched      int
	Delivered    int
	DeadLettered int
	Err          error
}

// Options are optional collaborators; zero values pick the defaults.
type Options struct {
	Clock  Clock
	Log    logx.Logger
	Events eventbus.Bus
}

// Relay is the poll/deliver loop. It owns the in-memory watermark; nothing
// else writes it.
type Relay struct {
	src    source.Source
	sink   Sink
	store  storage.WatermarkStore
	clock  Clock
	log    logx.Logger
	events eventbus.Bus

	trigger chan struct{}
	reconf  chan struct{}

	// tickMu is held for the whole of a tick so ticks never overlap.
	tickMu sync.Mutex

	mu        sync.Mutex
	cfg       Config
	watermark int64
	dirty     bool // watermark is ahead of durable storage
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}

	failID    int64
	failCount int

	status Status
}

func New(src source.Source, sink Sink, store storage.WatermarkStore, cfg Config, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Events == nil {
		opts.Events = eventbus.Nop()
	}
	r := &Relay{
		src:     src,
		sink:    sink,
		store:   store,
		clock:   opts.Clock,
		log:     opts.Log,
		events:  opts.Events,
		trigger: make(chan struct{}, 1),
		reconf:  make(chan struct{}, 1),
		cfg:     normalize(cfg),
	}
	r.status.State = StateIdle
	return r
}

func normalize(cfg Config) Config {
	if cfg.Schedule == nil {
		cfg.Schedule = Every(30 * time.Second)
	}
	if cfg.Pacing < 0 {
		cfg.Pacing = 0
	}
	if cfg.DeliveryTimeout < 0 {
		cfg.DeliveryTimeout = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	return cfg
}

// Start resolves the initial watermark and begins the schedule.
// The loop runs until ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	r.Bootstrap(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.status.Running = true
	r.mu.Unlock()

	go r.run(runCtx, done)
	return nil
}

// Stop cancels the schedule and waits for the in-flight tick to finish or
// abandon its current delivery.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger requests an immediate tick. Requests made while a tick is pending
// or running are coalesced; it reports whether the request was queued.
func (r *Relay) Trigger() bool {
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Apply swaps the tunables. A new schedule takes effect from now.
func (r *Relay) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = normalize(cfg)
	r.mu.Unlock()
	select {
	case r.reconf <- struct{}{}:
	default:
	}
}

func (r *Relay) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.status
	st.Watermark = r.watermark
	st.Persisted = !r.dirty
	st.Schedule = r.cfg.Schedule.String()
	return st
}

func (r *Relay) Watermark() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

func (r *Relay) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.status.State = StateStopped
		r.status.NextTickAt = time.Time{}
		r.mu.Unlock()
	}()

	for {
		r.mu.Lock()
		now := r.clock.Now()
		next := r.cfg.Schedule.Next(now)
		r.status.NextTickAt = next
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-r.reconf:
			continue
		case <-r.trigger:
		case <-r.clock.After(next.Sub(now)):
		}
		// The next tick is scheduled from the end of this one, so ticks
		// that fall due while it runs are skipped.
		r.Tick(ctx)
	}
}

// Tick runs one fetch-and-deliver cycle. It returns immediately with
// Skipped set when another tick is in progress.
func (r *Relay) Tick(ctx context.Context) TickResult {
	if !r.tickMu.TryLock() {
		return TickResult{Skipped: true}
	}
	defer r.tickMu.Unlock()

	res := TickResult{ID: uuid.NewString()}
	log := r.log.With(logx.String("tick", res.ID))

	r.mu.Lock()
	cfg := r.cfg
	wm := r.watermark
	r.status.State = StateFetching
	r.status.LastTickID = res.ID
	r.status.LastTickAt = r.clock.Now()
	r.status.LastProgressAt = r.status.LastTickAt
	r.mu.Unlock()
	defer r.setState(StateIdle)

	r.flushWatermark(ctx, log)

	batch, err := r.src.After(ctx, wm)
	if err != nil {
		if ctx.Err() != nil {
			return res
		}
		res.Err = sourceQueryError(err)
		r.setError(res.Err)
		r.events.Publish(eventbus.Event{Kind: eventbus.KindTickFailed, Time: r.clock.Now(), Watermark: wm, Err: res.Err.Error()})
		log.Error("fetch announcements failed", logx.Int64("watermark", wm), logx.Err(err))
		return res
	}
	res.Fetched = len(batch)
	if len(batch) == 0 {
		log.Debug("no new announcements", logx.Int64("watermark", wm))
		return res
	}
	log.Info("new announcements",
		logx.Int("count", len(batch)),
		logx.Int64("first_id", batch[0].ID),
		logx.Int64("last_id", batch[len(batch)-1].ID),
	)

	r.setState(StateDelivering)
	for i, a := range batch {
		if a.ID <= wm {
			log.Warn("source returned an id at or below the watermark", logx.Int64("id", a.ID), logx.Int64("watermark", wm))
			continue
		}
		if ctx.Err() != nil {
			return res
		}

		err := r.deliver(ctx, cfg, a)
		switch {
		case err == nil:
			r.advance(ctx, log, a.ID)
			wm = a.ID
			res.Delivered++
			r.events.Publish(eventbus.Event{Kind: eventbus.KindDelivered, Time: r.clock.Now(), AnnouncementID: a.ID, Watermark: wm})
			log.Info("announcement delivered",
				logx.Int64("id", a.ID),
				logx.String("type", string(a.Type)),
				logx.Int("priority", a.Priority),
			)
		case ctx.Err() != nil:
			log.Info("delivery abandoned on shutdown", logx.Int64("id", a.ID))
			return res
		default:
			attempts := r.recordFailure(a.ID, err)
			kind := announcement.KindOf(err)
			level := logx.LevelWarn
			if errors.Is(err, announcement.ErrDestinationUnavailable) || errors.Is(err, announcement.ErrPermissionDenied) {
				level = logx.LevelError
			}
			log.Log(level, "delivery failed",
				logx.Int64("id", a.ID),
				logx.String("kind", announcement.KindName(kind)),
				logx.Int("attempt", attempts),
				logx.Err(err),
			)
			if cfg.MaxAttempts == 0 || attempts < cfg.MaxAttempts {
				res.Err = err
				return res
			}
			r.deadLetter(ctx, log, a, err, attempts)
			wm = a.ID
			res.DeadLettered++
			r.events.Publish(eventbus.Event{Kind: eventbus.KindDeadLettered, Time: r.clock.Now(), AnnouncementID: a.ID, Watermark: wm, Err: err.Error()})
		}

		if i < len(batch)-1 && cfg.Pacing > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-r.clock.After(cfg.Pacing):
			}
		}
	}
	return res
}

func (r *Relay) deliver(ctx context.Context, cfg Config, a announcement.Announcement) error {
	if cfg.DeliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DeliveryTimeout)
		defer cancel()
	}
	return r.sink.Deliver(ctx, a)
}

// advance moves the watermark to id and persists it. A confirmed delivery is
// persisted even when ctx is already cancelled.
func (r *Relay) advance(ctx context.Context, log logx.Logger, id int64) {
	r.mu.Lock()
	if id > r.watermark {
		r.watermark = id
		r.dirty = true
	}
	if r.failID == id {
		r.failID, r.failCount = 0, 0
	}
	r.status.Delivered++
	r.status.LastProgressAt = r.clock.Now()
	r.mu.Unlock()

	r.persist(ctx, log, id)
}

func (r *Relay) persist(ctx context.Context, log logx.Logger, id int64) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := r.store.SaveWatermark(pctx, id); err != nil {
		err = persistError(id, err)
		r.setError(err)
		log.Error("save watermark failed; will retry next tick", logx.Int64("watermark", id), logx.Err(err))
		return
	}
	r.mu.Lock()
	if r.watermark == id {
		r.dirty = false
	}
	r.mu.Unlock()
}

func (r *Relay) flushWatermark(ctx context.Context, log logx.Logger) {
	r.mu.Lock()
	dirty, id := r.dirty, r.watermark
	r.mu.Unlock()
	if dirty {
		r.persist(ctx, log, id)
	}
}

func (r *Relay) recordFailure(id int64, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failID != id {
		r.failID, r.failCount = id, 0
	}
	r.failCount++
	r.status.Failures++
	r.status.LastError = err.Error()
	return r.failCount
}

func (r *Relay) deadLetter(ctx context.Context, log logx.Logger, a announcement.Announcement, cause error, attempts int) {
	log.Error("announcement dead-lettered after repeated failures",
		logx.Int64("id", a.ID),
		logx.Int("attempts", attempts),
		logx.Err(cause),
	)
	if au, ok := r.store.(auditor); ok {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		err := au.AppendAudit(actx, storage.AuditEntry{
			Kind:           storage.AuditDeadLetter,
			Action:         "deliver",
			AnnouncementID: a.ID,
			Error:          cause.Error(),
		})
		cancel()
		if err != nil {
			log.Warn("audit dead letter failed", logx.Int64("id", a.ID), logx.Err(err))
		}
	}

	r.mu.Lock()
	if a.ID > r.watermark {
		r.watermark = a.ID
		r.dirty = true
	}
	r.failID, r.failCount = 0, 0
	r.status.DeadLettered++
	r.status.LastProgressAt = r.clock.Now()
	r.mu.Unlock()

	r.persist(ctx, log, a.ID)
}

func (r *Relay) setState(s State) {
	r.mu.Lock()
	r.status.State = s
	r.mu.Unlock()
}

func (r *Relay) setError(err error) {
	r.mu.Lock()
	r.status.LastError = err.Error()
	r.mu.Unlock()
}
