package relay

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "30s"

// Schedule yields the next tick time strictly after t.
type Schedule interface {
	Next(t time.Time) time.Time
	String() string
}

type intervalSchedule struct {
	every time.Duration
	raw   string
}

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.every) }
func (s intervalSchedule) String() string             { return s.raw }

type cronSchedule struct {
	sched cron.Schedule
	raw   string
}

func (s cronSchedule) Next(t time.Time) time.Time { return s.sched.Next(t) }
func (s cronSchedule) String() string             { return s.raw }

// Every returns a fixed-interval schedule.
func Every(d time.Duration) Schedule {
	return intervalSchedule{every: d, raw: d.String()}
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts:
//   - interval durations: "30s", "2m", "1h30m"
//   - HH:MM intervals: "00:05" (five minutes)
//   - cron expressions: "*/1 * * * *", "@hourly", "@every 45s"
//
// "cron:" and "every:" prefixes force the interpretation. Empty means "30s".
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		s = DefaultSchedule
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "every:"):
		return parseInterval(strings.TrimSpace(s[len("every:"):]))
	case strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@"):
		return parseCron(s)
	default:
		return parseInterval(s)
	}
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("cron schedule required")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", expr, err)
	}
	return cronSchedule{sched: sched, raw: expr}, nil
}

func parseInterval(v string) (Schedule, error) {
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return intervalSchedule{every: d, raw: v}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf(
			"invalid schedule %q (use a duration like '30s', HH:MM like '00:05', or cron like '*/1 * * * *')", v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return intervalSchedule{every: d, raw: v}, nil
}
