package app

import (
	"testing"
	"time"

	"announcebot/internal/eventbus"
	"announcebot/internal/relay"
)

func TestProgressLine(t *testing.T) {
	tests := []struct {
		e    eventbus.Event
		want string
	}{
		{eventbus.Event{Kind: eventbus.KindDelivered, AnnouncementID: 9, Watermark: 9}, "delivered #9, watermark 9"},
		{eventbus.Event{Kind: eventbus.KindDeadLettered, AnnouncementID: 4, Watermark: 4}, "dead-lettered #4, watermark 4"},
		{eventbus.Event{Kind: eventbus.KindTickFailed, Watermark: 3, Err: "query failed"}, "fetch failed at watermark 3: query failed"},
	}
	for _, tt := range tests {
		if got := progressLine(tt.e); got != tt.want {
			t.Fatalf("progressLine(%+v) = %q, want %q", tt.e, got, tt.want)
		}
	}
}

func TestRelayHealth(t *testing.T) {
	now := time.Date(2024, 5, 3, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		st      relay.Status
		healthy bool
	}{
		{"stopped", relay.Status{Running: false}, false},
		{"idle on schedule", relay.Status{Running: true, State: relay.StateIdle, NextTickAt: now.Add(10 * time.Second)}, true},
		{"idle overdue", relay.Status{Running: true, State: relay.StateIdle, NextTickAt: now.Add(-6 * time.Minute)}, false},
		{
			// 400s into a paced backlog: the schedule is long past but items keep landing.
			"long batch making progress",
			relay.Status{Running: true, State: relay.StateDelivering, NextTickAt: now.Add(-370 * time.Second), LastProgressAt: now.Add(-2 * time.Second)},
			true,
		},
		{
			"batch stalled",
			relay.Status{Running: true, State: relay.StateDelivering, NextTickAt: now.Add(-10 * time.Minute), LastProgressAt: now.Add(-6 * time.Minute)},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := relayHealth(tt.st, now)
			if (err == nil) != tt.healthy {
				t.Fatalf("relayHealth = %v, want healthy=%v", err, tt.healthy)
			}
		})
	}
}
