package config

import (
	"reflect"
	"sort"
	"strings"

	logx "announcebot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes tokens or DSNs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.PlatformName() != newCfg.PlatformName() {
		changed = append(changed, "platform")
		attrs = append(attrs, logx.String("platform", newCfg.PlatformName()))
	}

	// Transport sections (never log token)
	if !reflect.DeepEqual(redactDiscord(oldCfg.Discord), redactDiscord(newCfg.Discord)) {
		changed = append(changed, "discord")
		if d := newCfg.Discord; d != nil {
			attrs = append(attrs,
				logx.String("discord.channel_id", d.ChannelID),
				logx.Bool("discord.ping_role_set", d.PingRoleID != ""),
				logx.Int("discord.admin_count", len(d.AdminUserIDs)),
			)
		}
	}
	if !reflect.DeepEqual(redactTelegram(oldCfg.Telegram), redactTelegram(newCfg.Telegram)) {
		changed = append(changed, "telegram")
		if t := newCfg.Telegram; t != nil {
			attrs = append(attrs,
				logx.String("telegram.chat_id", t.ChatID),
				logx.Bool("telegram.ping_audience_set", t.PingAudience != ""),
			)
		}
	}

	// Source (never log dsn)
	if oldCfg.Source.Driver != newCfg.Source.Driver ||
		oldCfg.Source.PoolSize != newCfg.Source.PoolSize ||
		oldCfg.Source.QueryTimeout != newCfg.Source.QueryTimeout ||
		oldCfg.Source.DSN != newCfg.Source.DSN {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.driver", newCfg.Source.Driver),
			logx.Bool("source.dsn_changed", oldCfg.Source.DSN != newCfg.Source.DSN),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.String("relay.schedule", strings.TrimSpace(newCfg.Relay.Schedule)),
			logx.String("relay.pacing", strings.TrimSpace(newCfg.Relay.Pacing)),
			logx.Int("relay.max_attempts", newCfg.Relay.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Style, newCfg.Style) {
		changed = append(changed, "style")
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if !reflect.DeepEqual(redactOps(oldCfg.Ops), redactOps(newCfg.Ops)) {
		changed = append(changed, "ops")
		if o := newCfg.Ops; o != nil {
			attrs = append(attrs,
				logx.Bool("ops.enabled", o.Enabled),
				logx.String("ops.addr", o.Addr),
				logx.Bool("ops.token_set", o.Token != ""),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "platform", "discord", "telegram", "source", "storage":
			out = append(out, s)
		}
	}
	return out
}

func redactDiscord(d *DiscordConfig) *DiscordConfig {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Token = ""
	return &cp
}

func redactTelegram(t *TelegramConfig) *TelegramConfig {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Token = ""
	return &cp
}

func redactOps(o *OpsConfig) *OpsConfig {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Token = ""
	return &cp
}
