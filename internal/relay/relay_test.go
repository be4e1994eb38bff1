package relay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"announcebot/internal/announcement"
	"announcebot/internal/eventbus"
	"announcebot/internal/storage"
)

func newTestRelay(src *fakeSource, sink *fakeSink, store *fakeStore, cfg Config) (*Relay, *instantClock) {
	clk := &instantClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	return New(src, sink, store, cfg, Options{Clock: clk}), clk
}

func TestBootstrap(t *testing.T) {
	tests := []struct {
		name      string
		src       *fakeSource
		store     *fakeStore
		want      int64
		wantSaved bool
	}{
		{name: "fast forward to max id", src: newFakeSource(3, 9, 7), store: &fakeStore{}, want: 9, wantSaved: true},
		{name: "empty source starts at zero", src: newFakeSource(), store: &fakeStore{}, want: 0},
		{name: "query error starts at zero", src: &fakeSource{maxErr: errBoom}, store: &fakeStore{}, want: 0},
		{name: "stored value wins", src: newFakeSource(50), store: &fakeStore{val: 12, ok: true}, want: 12},
		{name: "unreadable store resolves from source", src: newFakeSource(4), store: &fakeStore{loadErr: errBoom}, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRelay(tt.src, &fakeSink{}, tt.store, Config{})
			if got := r.Bootstrap(context.Background()); got != tt.want {
				t.Fatalf("Bootstrap = %d, want %d", got, tt.want)
			}
			if r.Watermark() != tt.want {
				t.Fatalf("Watermark = %d, want %d", r.Watermark(), tt.want)
			}
			saved := len(tt.store.saves) > 0
			if saved != tt.wantSaved {
				t.Fatalf("saved = %v (%v), want %v", saved, tt.store.saves, tt.wantSaved)
			}
		})
	}
}

func TestNoReplayAfterColdStart(t *testing.T) {
	src := newFakeSource(1, 2, 3)
	sink := &fakeSink{}
	store := &fakeStore{}
	r, _ := newTestRelay(src, sink, store, Config{})

	r.Bootstrap(context.Background())
	res := r.Tick(context.Background())
	if res.Fetched != 0 || len(sink.got()) != 0 {
		t.Fatalf("first tick after bootstrap replayed backlog: %+v delivered=%v", res, sink.got())
	}
	if v, ok := store.load(); !ok || v != 3 {
		t.Fatalf("stored = (%d, %v), want (3, true)", v, ok)
	}
}

func TestTickDeliversInOrderAndPaces(t *testing.T) {
	src := newFakeSource(7, 5, 6)
	sink := &fakeSink{}
	store := &fakeStore{val: 4, ok: true}
	r, clk := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	res := r.Tick(context.Background())
	if res.Err != nil || res.Delivered != 3 {
		t.Fatalf("tick = %+v", res)
	}
	if got := sink.got(); !reflect.DeepEqual(got, []int64{5, 6, 7}) {
		t.Fatalf("delivered = %v, want [5 6 7]", got)
	}
	if v, _ := store.load(); v != 7 {
		t.Fatalf("stored watermark = %d, want 7", v)
	}
	if !reflect.DeepEqual(store.saves, []int64{5, 6, 7}) {
		t.Fatalf("saves = %v, want one save per delivery", store.saves)
	}
	if got := clk.recorded(); !reflect.DeepEqual(got, []time.Duration{DefaultPacing, DefaultPacing}) {
		t.Fatalf("pacing waits = %v, want two waits and none after the last item", got)
	}
}

func TestTickPartialFailureResumes(t *testing.T) {
	src := newFakeSource(5, 6, 7)
	sink := &fakeSink{failures: map[int64][]error{
		6: {announcement.NewDeliveryError(announcement.ErrTransient, "chan", errBoom)},
	}}
	store := &fakeStore{val: 4, ok: true}
	r, _ := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	res := r.Tick(context.Background())
	if res.Err == nil || res.Delivered != 1 {
		t.Fatalf("first tick = %+v", res)
	}
	if got := sink.got(); !reflect.DeepEqual(got, []int64{5}) {
		t.Fatalf("delivered = %v, want [5]", got)
	}
	if v, _ := store.load(); v != 5 || r.Watermark() != 5 {
		t.Fatalf("watermark = %d stored = %d, want 5", r.Watermark(), v)
	}

	res = r.Tick(context.Background())
	if res.Err != nil || res.Fetched != 2 || res.Delivered != 2 {
		t.Fatalf("second tick = %+v", res)
	}
	if got := sink.got(); !reflect.DeepEqual(got, []int64{5, 6, 7}) {
		t.Fatalf("delivered = %v, want [5 6 7]", got)
	}
	if src.calls[1] != 5 {
		t.Fatalf("second fetch used watermark %d, want 5", src.calls[1])
	}
}

func TestEmptyTickIsNoop(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{}
	store := &fakeStore{val: 10, ok: true}
	r, clk := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	res := r.Tick(context.Background())
	if res.Fetched != 0 || res.Err != nil {
		t.Fatalf("tick = %+v", res)
	}
	if len(sink.got()) != 0 || len(store.saves) != 0 || len(clk.recorded()) != 0 {
		t.Fatalf("empty tick had side effects: delivered=%v saves=%v waits=%v", sink.got(), store.saves, clk.recorded())
	}
	if r.Watermark() != 10 {
		t.Fatalf("watermark = %d, want 10", r.Watermark())
	}
}

func TestSourceErrorAbortsTick(t *testing.T) {
	src := &fakeSource{err: errBoom}
	store := &fakeStore{val: 3, ok: true}
	r, _ := newTestRelay(src, &fakeSink{}, store, Config{})
	r.Bootstrap(context.Background())

	res := r.Tick(context.Background())
	if !errors.Is(res.Err, ErrSourceQuery) || !errors.Is(res.Err, errBoom) {
		t.Fatalf("err = %v, want source query error", res.Err)
	}
	if r.Watermark() != 3 {
		t.Fatalf("watermark moved to %d", r.Watermark())
	}
}

func TestPersistFailureKeepsMemoryAndRetries(t *testing.T) {
	src := newFakeSource(5, 6)
	sink := &fakeSink{}
	store := &fakeStore{val: 4, ok: true, saveErrs: []error{errBoom, errBoom}}
	r, _ := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	r.Tick(context.Background())
	if got := sink.got(); !reflect.DeepEqual(got, []int64{5, 6}) {
		t.Fatalf("delivered = %v, want [5 6]", got)
	}
	if r.Watermark() != 6 {
		t.Fatalf("in-memory watermark = %d, want 6", r.Watermark())
	}
	if v, _ := store.load(); v != 4 {
		t.Fatalf("stored = %d, want stale 4", v)
	}
	if st := r.Snapshot(); st.Persisted || st.LastError == "" {
		t.Fatalf("snapshot = %+v, want unpersisted with error", st)
	}

	r.Tick(context.Background())
	if v, _ := store.load(); v != 6 {
		t.Fatalf("stored = %d after retry, want 6", v)
	}
	if !r.Snapshot().Persisted {
		t.Fatal("snapshot should report persisted after retry")
	}
	if len(sink.got()) != 2 {
		t.Fatalf("retry must not redeliver: %v", sink.got())
	}
}

func TestMaxAttemptsDeadLetters(t *testing.T) {
	denied := announcement.NewDeliveryError(announcement.ErrPermissionDenied, "chan", errBoom)
	src := newFakeSource(5, 6)
	sink := &fakeSink{failures: map[int64][]error{5: {denied, denied, denied}}}
	store := &fakeStore{val: 4, ok: true}
	r, _ := newTestRelay(src, sink, store, Config{MaxAttempts: 2})
	r.Bootstrap(context.Background())

	if res := r.Tick(context.Background()); res.Err == nil || res.DeadLettered != 0 {
		t.Fatalf("first tick = %+v", res)
	}
	res := r.Tick(context.Background())
	if res.DeadLettered != 1 || res.Delivered != 1 {
		t.Fatalf("second tick = %+v", res)
	}
	if got := sink.got(); !reflect.DeepEqual(got, []int64{6}) {
		t.Fatalf("delivered = %v, want [6]", got)
	}
	if v, _ := store.load(); v != 6 {
		t.Fatalf("stored = %d, want 6", v)
	}
	if len(store.audits) != 1 || store.audits[0].Kind != storage.AuditDeadLetter || store.audits[0].AnnouncementID != 5 {
		t.Fatalf("audits = %+v", store.audits)
	}
}

func TestTickPublishesProgress(t *testing.T) {
	denied := announcement.NewDeliveryError(announcement.ErrPermissionDenied, "chan", errBoom)
	src := newFakeSource(5, 6)
	sink := &fakeSink{failures: map[int64][]error{5: {denied}}}
	store := &fakeStore{val: 4, ok: true}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	clk := &instantClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(src, sink, store, Config{MaxAttempts: 1}, Options{Clock: clk, Events: bus})
	r.Bootstrap(context.Background())
	r.Tick(context.Background())

	src.mu.Lock()
	src.err = errBoom
	src.mu.Unlock()
	r.Tick(context.Background())

	var got []string
	for len(got) < 3 {
		e := <-events
		got = append(got, fmt.Sprintf("%s:%d:%d", e.Kind, e.AnnouncementID, e.Watermark))
	}
	want := []string{"dead_lettered:5:5", "delivered:6:6", "tick_failed:0:6"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestUnlimitedAttemptsNeverSkip(t *testing.T) {
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, announcement.NewDeliveryError(announcement.ErrDestinationUnavailable, "chan", nil))
	}
	src := newFakeSource(5)
	sink := &fakeSink{failures: map[int64][]error{5: errs}}
	store := &fakeStore{val: 4, ok: true}
	r, _ := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	for i := 0; i < 10; i++ {
		if res := r.Tick(context.Background()); res.Err == nil {
			t.Fatalf("tick %d succeeded unexpectedly", i)
		}
	}
	if r.Watermark() != 4 {
		t.Fatalf("watermark = %d, want 4", r.Watermark())
	}
	if res := r.Tick(context.Background()); res.Delivered != 1 {
		t.Fatalf("tick after recovery = %+v", res)
	}
}

func TestDeliveryTimeout(t *testing.T) {
	src := newFakeSource(5)
	sink := &fakeSink{block: make(chan struct{})}
	store := &fakeStore{val: 4, ok: true}
	r, _ := newTestRelay(src, sink, store, Config{DeliveryTimeout: 20 * time.Millisecond})
	r.Bootstrap(context.Background())

	res := r.Tick(context.Background())
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", res.Err)
	}
	if r.Watermark() != 4 {
		t.Fatalf("watermark = %d, want 4", r.Watermark())
	}
}

func TestTickSkipsWhileBusy(t *testing.T) {
	src := newFakeSource(5)
	sink := &fakeSink{block: make(chan struct{}), started: make(chan int64, 1)}
	store := &fakeStore{val: 4, ok: true}
	r, _ := newTestRelay(src, sink, store, Config{})
	r.Bootstrap(context.Background())

	done := make(chan TickResult, 1)
	go func() { done <- r.Tick(context.Background()) }()
	<-sink.started

	if res := r.Tick(context.Background()); !res.Skipped {
		t.Fatalf("overlapping tick ran: %+v", res)
	}
	close(sink.block)
	if res := <-done; res.Delivered != 1 {
		t.Fatalf("first tick = %+v", res)
	}
}

func TestLoopTriggerAndStop(t *testing.T) {
	src := newFakeSource()
	sink := &fakeSink{started: make(chan int64, 4)}
	store := &fakeStore{}
	r := New(src, sink, store, Config{Schedule: Every(time.Hour)}, Options{Clock: frozenClock{}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v", err)
	}

	src.mu.Lock()
	src.rows = append(src.rows, announcement.Announcement{ID: 1, Title: "t", Description: "d"})
	src.mu.Unlock()
	r.Trigger()

	select {
	case id := <-sink.started:
		if id != 1 {
			t.Fatalf("delivered id %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run a tick")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st := r.Snapshot()
	if st.Running || st.State != StateStopped {
		t.Fatalf("snapshot after stop = %+v", st)
	}
	if v, ok := store.load(); !ok || v != 1 {
		t.Fatalf("stored = (%d, %v), want (1, true)", v, ok)
	}
}

func TestScheduledTicksSkipWhileBusy(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := &manualClock{now: t0}
	src := newFakeSource()
	sink := &fakeSink{block: make(chan struct{}), started: make(chan int64, 1)}
	store := &fakeStore{val: 0, ok: true}
	r := New(src, sink, store, Config{Schedule: Every(30 * time.Second)}, Options{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	clk.waitForTimer(t)
	if n := src.fetches(); n != 0 {
		t.Fatalf("fetched %d times before the first period", n)
	}
	clk.Advance(30 * time.Second)
	clk.waitForTimer(t)
	if n := src.fetches(); n != 1 {
		t.Fatalf("fetches after one period = %d, want 1", n)
	}

	src.mu.Lock()
	src.rows = append(src.rows, announcement.Announcement{ID: 1, Title: "t", Description: "d"})
	src.mu.Unlock()
	clk.Advance(30 * time.Second)
	<-sink.started

	// Three more periods pass while the delivery is stuck.
	for range 3 {
		clk.Advance(30 * time.Second)
	}
	if n := src.fetches(); n != 2 {
		t.Fatalf("fetches while busy = %d, want 2", n)
	}
	finished := clk.Now()
	close(sink.block)

	clk.waitForTimer(t)
	if n := src.fetches(); n != 2 {
		t.Fatalf("missed ticks were queued: %d fetches", n)
	}
	st := r.Snapshot()
	if !st.NextTickAt.Equal(finished.Add(30 * time.Second)) {
		t.Fatalf("next tick at %v, want one period after the busy tick ended (%v)", st.NextTickAt, finished.Add(30*time.Second))
	}
	if !st.LastProgressAt.Equal(finished) || st.Watermark != 1 {
		t.Fatalf("snapshot = %+v", st)
	}

	clk.Advance(30 * time.Second)
	clk.waitForTimer(t)
	if n := src.fetches(); n != 3 {
		t.Fatalf("fetches after the next period = %d, want 3", n)
	}
}

func TestStopPersistsConfirmedDelivery(t *testing.T) {
	for _, confirm := range []bool{true, false} {
		t.Run(fmt.Sprintf("confirmed=%v", confirm), func(t *testing.T) {
			src := newFakeSource(5)
			sink := &fakeSink{block: make(chan struct{}), started: make(chan int64, 1), confirmOnCancel: confirm}
			store := &fakeStore{val: 4, ok: true}
			r := New(src, sink, store, Config{Schedule: Every(time.Hour)}, Options{Clock: frozenClock{}})
			if err := r.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			r.Trigger()
			<-sink.started

			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := r.Stop(stopCtx); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			want := int64(4)
			if confirm {
				want = 5
			}
			if v, _ := store.load(); v != want {
				t.Fatalf("stored = %d, want %d", v, want)
			}
		})
	}
}

func TestApplySwapsConfig(t *testing.T) {
	r, _ := newTestRelay(newFakeSource(), &fakeSink{}, &fakeStore{}, Config{})
	r.Apply(Config{Schedule: Every(5 * time.Minute), MaxAttempts: 3})
	if got := r.Snapshot().Schedule; got != "5m0s" {
		t.Fatalf("schedule = %q", got)
	}
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	tests := []struct {
		raw     string
		next    time.Time
		wantErr bool
	}{
		{raw: "", next: base.Add(30 * time.Second)},
		{raw: "45s", next: base.Add(45 * time.Second)},
		{raw: "every:2m", next: base.Add(2 * time.Minute)},
		{raw: "00:05", next: base.Add(5 * time.Minute)},
		{raw: "*/5 * * * *", next: time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{raw: "@every 1m", next: base.Add(time.Minute)},
		{raw: "cron:0 * * * *", next: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		{raw: "soon", wantErr: true},
		{raw: "-5s", wantErr: true},
		{raw: "00:75", wantErr: true},
		{raw: "* * *", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s, err := ParseSchedule(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.raw, err)
			}
			if got := s.Next(base); !got.Equal(tt.next) {
				t.Fatalf("Next = %v, want %v", got, tt.next)
			}
		})
	}
}
