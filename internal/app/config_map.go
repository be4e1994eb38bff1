package app

import (
	"context"
	"strings"
	"time"

	"announcebot/internal/config"
	"announcebot/internal/notifier"
	"announcebot/internal/ops"
	"announcebot/internal/relay"
	"announcebot/internal/source"
	"announcebot/internal/storage"
	logx "announcebot/pkg/logx"
)

// Defaults for options that are zero in the file.
const (
	defaultDiscordPrefix  = "!"
	defaultTelegramPrefix = "/"
	defaultPollTimeout    = 10 * time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			ChannelID:  l.Chat.ChannelID,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		URL:         strings.TrimSpace(sc.URL),
		KeyPrefix:   sc.KeyPrefix,
		BusyTimeout: busy,
	}, nil
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	sc := cfg.Source
	timeout, err := config.ParseDurationField("source.query_timeout", sc.QueryTimeout)
	if err != nil {
		return source.Config{}, err
	}
	return source.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		DSN:          sc.DSN,
		PoolSize:     sc.PoolSize,
		QueryTimeout: timeout,
	}, nil
}

func mapRelayConfig(cfg *config.Config) (relay.Config, error) {
	rc := cfg.Relay
	sched, err := relay.ParseSchedule(rc.Schedule)
	if err != nil {
		return relay.Config{}, &config.Error{Path: "relay.schedule", Err: err}
	}
	pacing, err := config.ParseDurationOrDefault("relay.pacing", rc.Pacing, relay.DefaultPacing)
	if err != nil {
		return relay.Config{}, err
	}
	timeout, err := config.ParseDurationField("relay.delivery_timeout", rc.DeliveryTimeout)
	if err != nil {
		return relay.Config{}, err
	}
	return relay.Config{
		Schedule:        sched,
		Pacing:          pacing,
		DeliveryTimeout: timeout,
		MaxAttempts:     rc.MaxAttempts,
	}, nil
}

// mapSinkConfig resolves the destination for the active platform.
func mapSinkConfig(cfg *config.Config) notifier.Config {
	nc := notifier.Config{
		PingThreshold: notifier.DefaultPingThreshold,
		Style: notifier.Style{
			Colors:        cfg.Style.Colors,
			Icons:         cfg.Style.Icons,
			Thumbnails:    cfg.Style.Thumbnails,
			ThumbnailURL:  cfg.Style.ThumbnailURL,
			FooterIconURL: cfg.Style.FooterIconURL,
			Reactions:     cfg.Style.Reactions,
		},
	}
	if cfg.Relay.PingThreshold != nil {
		nc.PingThreshold = *cfg.Relay.PingThreshold
	}
	switch cfg.PlatformName() {
	case "telegram":
		if t := cfg.Telegram; t != nil {
			nc.ChannelID = strings.TrimSpace(t.ChatID)
			nc.Audience = strings.TrimSpace(t.PingAudience)
		}
	default:
		if d := cfg.Discord; d != nil {
			nc.ChannelID = strings.TrimSpace(d.ChannelID)
			nc.Audience = strings.TrimSpace(d.PingRoleID)
		}
	}
	return nc
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	if oc == nil {
		return ops.Config{}, nil
	}
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// pprof profiles run for 30s by default; leave room for them.
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// commandAccess returns the command prefix and admin allowlist.
func commandAccess(cfg *config.Config) (string, []string) {
	switch cfg.PlatformName() {
	case "telegram":
		if t := cfg.Telegram; t != nil {
			return defaultString(t.Prefix, defaultTelegramPrefix), t.AdminUserIDs
		}
		return defaultTelegramPrefix, nil
	default:
		if d := cfg.Discord; d != nil {
			return defaultString(d.Prefix, defaultDiscordPrefix), d.AdminUserIDs
		}
		return defaultDiscordPrefix, nil
	}
}

func defaultString(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

// validateRuntime runs the checks that need component packages; it backs
// both startup and the hot-reload validator.
func validateRuntime(_ context.Context, cfg *config.Config) error {
	if _, err := mapRelayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSourceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
