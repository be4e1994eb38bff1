package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"announcebot/internal/config"
	"announcebot/internal/notifier"
	"announcebot/internal/relay"
)

func baseConfig() *config.Config {
	return &config.Config{
		Discord: &config.DiscordConfig{Token: "t", ChannelID: "100", PingRoleID: "200", AdminUserIDs: []string{"1"}},
		Source:  config.SourceConfig{Driver: "mysql", DSN: "u:p@tcp(db:3306)/game"},
		Relay:   config.RelayConfig{Schedule: "30s"},
	}
}

func TestMapRelayConfigDefaults(t *testing.T) {
	rc, err := mapRelayConfig(baseConfig())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.Pacing != relay.DefaultPacing || rc.DeliveryTimeout != 0 || rc.MaxAttempts != 0 {
		t.Fatalf("relay config = %+v", rc)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := rc.Schedule.Next(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("next = %v", got)
	}
}

func TestMapRelayConfigRejectsBadSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.Relay.Schedule = "every tuesday"
	_, err := mapRelayConfig(cfg)
	var ce *config.Error
	if !errors.As(err, &ce) || ce.Path != "relay.schedule" {
		t.Fatalf("err = %v", err)
	}
	if err := validateRuntime(context.Background(), cfg); err == nil {
		t.Fatal("validateRuntime accepted a bad schedule")
	}
}

func TestMapSinkConfig(t *testing.T) {
	cfg := baseConfig()
	nc := mapSinkConfig(cfg)
	if nc.ChannelID != "100" || nc.Audience != "200" || nc.PingThreshold != notifier.DefaultPingThreshold {
		t.Fatalf("discord sink = %+v", nc)
	}

	zero := 0
	cfg.Relay.PingThreshold = &zero
	if nc := mapSinkConfig(cfg); nc.PingThreshold != 0 {
		t.Fatalf("explicit zero threshold lost: %d", nc.PingThreshold)
	}

	cfg.Platform = "telegram"
	cfg.Telegram = &config.TelegramConfig{ChatID: "-1001", PingAudience: "ops_team"}
	nc = mapSinkConfig(cfg)
	if nc.ChannelID != "-1001" || nc.Audience != "ops_team" {
		t.Fatalf("telegram sink = %+v", nc)
	}
}

func TestCommandAccess(t *testing.T) {
	cfg := baseConfig()
	if p, admins := commandAccess(cfg); p != "!" || len(admins) != 1 {
		t.Fatalf("discord access = %q %v", p, admins)
	}
	cfg.Discord.Prefix = "?"
	if p, _ := commandAccess(cfg); p != "?" {
		t.Fatalf("prefix override = %q", p)
	}
	cfg.Platform = "telegram"
	cfg.Telegram = &config.TelegramConfig{ChatID: "1"}
	if p, _ := commandAccess(cfg); p != "/" {
		t.Fatalf("telegram prefix = %q", p)
	}
}

func TestMapOpsConfig(t *testing.T) {
	cfg := baseConfig()
	if oc, err := mapOpsConfig(cfg); err != nil || oc.Enabled {
		t.Fatalf("nil ops = %+v %v", oc, err)
	}
	cfg.Ops = &config.OpsConfig{Enabled: true, Addr: " 127.0.0.1:7000 ", Pprof: true, ReadTimeout: "5s"}
	oc, err := mapOpsConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if oc.Addr != "127.0.0.1:7000" || oc.ReadTimeout != 5*time.Second || oc.WriteTimeout != time.Minute || !oc.Pprof {
		t.Fatalf("ops = %+v", oc)
	}
	cfg.Ops.WriteTimeout = "soon"
	if _, err := mapOpsConfig(cfg); err == nil {
		t.Fatal("bad write_timeout accepted")
	}
}

func TestMapStorageAndSource(t *testing.T) {
	cfg := baseConfig()
	cfg.Storage = config.StorageConfig{Driver: " SQLite ", Path: "./state.db", BusyTimeout: "2s"}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage = %+v %v", sc, err)
	}
	cfg.Source.QueryTimeout = "3s"
	src, err := mapSourceConfig(cfg)
	if err != nil || src.Driver != "mysql" || src.QueryTimeout != 3*time.Second {
		t.Fatalf("source = %+v %v", src, err)
	}
}
