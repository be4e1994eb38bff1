package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"announcebot/internal/announcement"
	"announcebot/internal/storage"
)

type fakeSource struct {
	mu     sync.Mutex
	rows   []announcement.Announcement
	err    error
	maxErr error
	calls  []int64
}

func newFakeSource(ids ...int64) *fakeSource {
	s := &fakeSource{}
	for _, id := range ids {
		s.rows = append(s.rows, announcement.Announcement{ID: id, Type: announcement.TypeUpdate, Title: "t", Description: "d"})
	}
	return s
}

func (s *fakeSource) After(ctx context.Context, wm int64) ([]announcement.Announcement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, wm)
	if s.err != nil {
		return nil, s.err
	}
	var out []announcement.Announcement
	for _, a := range s.rows {
		if a.ID > wm {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeSource) MaxID(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxErr != nil {
		return 0, false, s.maxErr
	}
	var maxID int64
	for _, a := range s.rows {
		maxID = max(maxID, a.ID)
	}
	return maxID, len(s.rows) > 0, nil
}

type fakeSink struct {
	mu              sync.Mutex
	delivered       []int64
	failures        map[int64][]error // consumed one per attempt
	block           chan struct{}     // when set, Deliver waits for it or ctx
	started         chan int64
	confirmOnCancel bool
}

func (s *fakeSink) Deliver(ctx context.Context, a announcement.Announcement) error {
	if s.started != nil {
		s.started <- a.ID
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			if !s.confirmOnCancel {
				return ctx.Err()
			}
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if errs := s.failures[a.ID]; len(errs) > 0 {
		s.failures[a.ID] = errs[1:]
		return errs[0]
	}
	s.delivered = append(s.delivered, a.ID)
	return nil
}

func (s *fakeSink) got() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.delivered...)
}

type fakeStore struct {
	mu       sync.Mutex
	val      int64
	ok       bool
	loadErr  error
	saveErrs []error // consumed one per save
	saves    []int64
	audits   []storage.AuditEntry
}

func (s *fakeStore) LoadWatermark(ctx context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return 0, false, s.loadErr
	}
	return s.val, s.ok, nil
}

func (s *fakeStore) SaveWatermark(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.val, s.ok = id, true
	s.saves = append(s.saves, id)
	return nil
}

func (s *fakeStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *fakeStore) load() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.ok
}

// instantClock fires every timer immediately and records the requested waits.
type instantClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *instantClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *instantClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// frozenClock never fires; ticks only happen through Trigger.
type frozenClock struct{}

func (frozenClock) Now() time.Time                         { return time.Unix(0, 0) }
func (frozenClock) After(d time.Duration) <-chan time.Time { return nil }

var errBoom = errors.New("boom")

// manualClock only moves when the test calls Advance.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	at time.Time
	ch chan time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Advance moves time forward and fires every timer that fell due.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = pending
}

func (c *manualClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// waitForTimer blocks until the loop is parked on a timer.
func (c *manualClock) waitForTimer(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *fakeSource) fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
