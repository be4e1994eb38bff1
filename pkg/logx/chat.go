package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	// Discord caps messages at 2000 characters; Telegram at 4096.
	chatMaxLen   = 1900
	chatFieldMax = 300
)

type chatLine struct {
	channelID string
	text      string
}

// chatSink is a zerolog.LevelWriter that posts lines at or above a minimum
// level to an operator channel. Writes never block: lines over the rate
// limit or beyond the queue are dropped.
type chatSink struct {
	queue chan chatLine

	mu        sync.Mutex
	sender    TextSender
	channelID string
	minLevel  zerolog.Level
	limiter   *rate.Limiter
	cancel    context.CancelFunc
	done      chan struct{}
}

func newChatSink(sender TextSender) *chatSink {
	return &chatSink{
		queue:    make(chan chatLine, chatQueueSize),
		sender:   sender,
		minLevel: zerolog.WarnLevel,
	}
}

func (c *chatSink) setSender(sender TextSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// configure updates routing and starts the worker the first time chat
// logging is enabled.
func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = strings.TrimSpace(cfg.ChannelID)
	c.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if !cfg.Enabled {
		c.channelID = ""
	}
	if cfg.Enabled && c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel, c.done = cancel, make(chan struct{})
		go c.run(ctx, c.done)
	}
}

func (c *chatSink) close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *chatSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = sender.SendText(sctx, line.channelID, line.text)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.NoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	channelID, minLevel, lim := c.channelID, c.minLevel, c.limiter
	c.mu.Unlock()

	if channelID == "" || lim == nil || level < minLevel || level == zerolog.NoLevel || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatJSON(p); text != "" {
		select {
		case c.queue <- chatLine{channelID: channelID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatJSON turns one zerolog JSON line into a short readable message:
// "[LEVEL] message" followed by one "- key=value" line per field, sorted.
func formatChatJSON(p []byte) string {
	line := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		return truncate(line, chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	delete(m, "time")
	delete(m, "level")
	delete(m, "message")
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), chatFieldMax))
	}
	return truncate(b.String(), chatMaxLen)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	keep, suffix := n-3, "..."
	if n < 10 {
		keep, suffix = n, ""
	}
	end := 0
	for range keep {
		_, size := utf8.DecodeRuneInString(s[end:])
		end += size
	}
	return s[:end] + suffix
}
