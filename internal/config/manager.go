package config

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "announcebot/pkg/logx"
)

// Environment overrides for secrets, so they can stay out of the config file.
const (
	EnvToken     = "ANNOUNCEBOT_TOKEN"
	EnvSourceDSN = "ANNOUNCEBOT_SOURCE_DSN"
)

// ErrUnchanged is returned by Reload when the file content did not change.
var ErrUnchanged = errors.New("config unchanged")

const (
	reloadDebounce    = 250 * time.Millisecond
	validateTimeout   = 5 * time.Second
	watchRetryInitial = 250 * time.Millisecond
	watchRetryMax     = 5 * time.Second
)

type ConfigManager struct {
	path   string
	getenv func(string) string

	mu   sync.RWMutex
	cfg  *Config
	hash uint64 // of the committed config; 0 when unknown

	// subsMu is held while publishing so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	// reloadMu serializes the watcher and the reload command.
	reloadMu sync.Mutex

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, getenv: os.Getenv}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a hook that Reload runs after Validate. It sees the
// whole config and can reject it with any error.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads the file and applies env overrides. It does not validate.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, err
	}
	m.applyEnv(cfg)
	return cfg, nil
}

func (m *ConfigManager) applyEnv(cfg *Config) {
	getenv := m.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if tok := strings.TrimSpace(getenv(EnvToken)); tok != "" {
		if cfg.PlatformName() == "telegram" && cfg.Telegram != nil {
			cfg.Telegram.Token = tok
		} else if cfg.Discord != nil {
			cfg.Discord.Token = tok
		}
	}
	if dsn := strings.TrimSpace(getenv(EnvSourceDSN)); dsn != "" {
		cfg.Source.DSN = dsn
	}
}

func (m *ConfigManager) Commit(cfg *Config) {
	h := fingerprint(cfg)
	m.mu.Lock()
	m.cfg, m.hash = cfg, h
	m.mu.Unlock()
}

// fingerprint hashes the decoded config, so formatting-only edits and
// editors that write the same bytes twice count as unchanged.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Load parses, validates and commits. Any error is a *Error and should abort
// startup.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file and, when it changed and passes validation,
// commits and publishes it. The previous config stays active on any error.
func (m *ConfigManager) Reload(ctx context.Context) (*Config, error) {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}

	h := fingerprint(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.hash
	m.mu.RUnlock()
	if same {
		return cfg, ErrUnchanged
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if err := m.runValidator(ctx, cfg); err != nil {
		return nil, err
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.debug("config published", logx.String("path", m.path), logx.String("hash", strconv.FormatUint(h, 16)))
	return cfg, nil
}

func (m *ConfigManager) runValidator(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()
	err := m.validator(vctx, cfg)
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Err: err}
}

func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs = append(m.subs[:i], m.subs[i+1:]...)
		close(ch)
		return
	}
}

// publish hands cfg to every subscriber. Only the newest config matters, so a
// full buffer has its oldest entry replaced.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Watch reloads the config whenever its file is written, created or renamed
// into place, until ctx is done. The watcher is rebuilt with backoff when
// fsnotify fails.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	deb := newDebouncer(reloadDebounce, func() { m.reloadFromWatch(ctx) })
	defer deb.stop()

	retry := watchRetryInitial
	for ctx.Err() == nil {
		healthy, err := m.watchDir(ctx, dir, file, deb)
		if ctx.Err() != nil {
			break
		}
		if healthy {
			retry = watchRetryInitial
		}
		wait := retry + rand.N(retry/2+1)
		m.warn("config watcher restarting", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		retry = min(retry*2, watchRetryMax)

		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchDir runs one fsnotify watcher until it breaks or ctx ends. healthy
// reports whether the watcher got as far as watching dir.
func (m *ConfigManager) watchDir(ctx context.Context, dir, file string, deb *debouncer) (healthy bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	const interesting = fsnotify.Write | fsnotify.Create | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("event channel closed")
			}
			if ev.Op&interesting != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				deb.poke()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("error channel closed")
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were lost; one reload catches up.
				deb.poke()
				continue
			}
			m.warn("config watch error", logx.String("dir", dir), logx.Err(werr))
		}
	}
}

func (m *ConfigManager) reloadFromWatch(ctx context.Context) {
	_, err := m.Reload(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnchanged):
		m.debug("config unchanged; skipping publish", logx.String("path", m.path))
	default:
		m.warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
	}
}

func (m *ConfigManager) debug(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Debug(msg, fields...)
	}
}

func (m *ConfigManager) warn(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Warn(msg, fields...)
	}
}

// debouncer runs fn once after a quiet period following the last poke, so a
// burst of editor writes causes a single reload.
type debouncer struct {
	wait time.Duration
	fn   func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(wait time.Duration, fn func()) *debouncer {
	return &debouncer{wait: wait, fn: fn}
}

func (d *debouncer) poke() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
