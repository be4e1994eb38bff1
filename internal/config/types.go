package config

// Config is the on-disk configuration. It is parsed from JSON or YAML with
// unknown fields rejected, so renamed keys fail loudly on reload.
type Config struct {
	// Platform selects the transport: "discord" (default) or "telegram".
	Platform string `json:"platform,omitempty" validate:"omitempty,oneof=discord telegram"`

	Discord  *DiscordConfig  `json:"discord,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`

	Source  SourceConfig  `json:"source"`
	Storage StorageConfig `json:"storage"`
	Relay   RelayConfig   `json:"relay"`
	Style   StyleConfig   `json:"style,omitempty"`
	Logging LoggingConfig `json:"logging"`
	Ops     *OpsConfig    `json:"ops,omitempty"`
}

// DiscordConfig configures the Discord transport.
//
// Example:
//
//	"discord": { "token": "...", "channel_id": "1234", "ping_role_id": "5678" }
type DiscordConfig struct {
	Token        string   `json:"token"` // may come from ANNOUNCEBOT_TOKEN (never logged)
	ChannelID    string   `json:"channel_id" validate:"required,numeric"`
	PingRoleID   string   `json:"ping_role_id,omitempty" validate:"omitempty,numeric"`
	Prefix       string   `json:"prefix,omitempty"` // default "!"
	AdminUserIDs []string `json:"admin_user_ids,omitempty" validate:"dive,numeric"`
}

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token        string   `json:"token"`
	ChatID       string   `json:"chat_id" validate:"required"`
	ThreadID     int      `json:"thread_id,omitempty" validate:"gte=0"`
	PingAudience string   `json:"ping_audience,omitempty"` // e.g. "@announcements_team"
	PollTimeout  string   `json:"poll_timeout,omitempty"`  // Go duration string
	Prefix       string   `json:"prefix,omitempty"`        // default "/"
	AdminUserIDs []string `json:"admin_user_ids,omitempty" validate:"dive,numeric"`
}

// SourceConfig points at the announcements database.
//
// Driver values: "mysql" (default), "postgres", "sqlite".
// For mysql, the DSN must include parseTime=true; it is added when missing.
type SourceConfig struct {
	Driver       string `json:"driver,omitempty" validate:"omitempty,oneof=mysql postgres pgx sqlite sqlite3"`
	DSN          string `json:"dsn"` // may come from ANNOUNCEBOT_SOURCE_DSN (never logged)
	PoolSize     int    `json:"pool_size,omitempty" validate:"gte=0,lte=100"`
	QueryTimeout string `json:"query_timeout,omitempty"`
}

// StorageConfig controls where the watermark is persisted.
//
// Driver values:
//   - "file": one line of text (default path ./last_announcement.txt)
//   - "sqlite": one row in a SQLite database
//   - "redis": one key in Redis (url required)
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=file sqlite sqlite3 redis"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// RelayConfig controls the poll/deliver loop.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "30s" (also accepts cron like "*/1 * * * *" or "@every 1m")
//   - pacing: "2s"
//   - ping_threshold: 5
//   - delivery_timeout: "0s" (wait for the transport's own timeout)
//   - max_attempts: 0 (retry forever)
type RelayConfig struct {
	Schedule        string `json:"schedule,omitempty"`
	Pacing          string `json:"pacing,omitempty"`
	PingThreshold   *int   `json:"ping_threshold,omitempty" validate:"omitempty,gte=0"`
	DeliveryTimeout string `json:"delivery_timeout,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty" validate:"gte=0"`
}

// StyleConfig is passed through to the renderer. Keys of the maps are
// announcement types; thumbnails also accept "default".
type StyleConfig struct {
	Colors        map[string]int    `json:"colors,omitempty"`
	Icons         map[string]string `json:"icons,omitempty"`
	Thumbnails    map[string]string `json:"thumbnails,omitempty"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty" validate:"omitempty,url"`
	FooterIconURL string            `json:"footer_icon_url,omitempty" validate:"omitempty,url"`
	Reactions     []string          `json:"reactions,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards warnings to an operator channel on the active platform.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6061").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// PlatformName returns the effective platform.
func (c *Config) PlatformName() string {
	if c == nil || c.Platform == "" {
		return "discord"
	}
	return c.Platform
}
