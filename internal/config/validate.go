package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Error is a configuration failure. It is fatal at startup and makes a hot
// reload keep the previous config.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return "config: " + e.Path + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func errorf(path, format string, args ...any) *Error {
	return &Error{Path: path, Err: fmt.Errorf(format, args...)}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field rules. Secrets are checked for
// presence only.
func Validate(cfg *Config) error {
	if cfg == nil {
		return &Error{Err: errors.New("config is nil")}
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errorf(fieldPath(fe.Namespace()), "failed %q validation (value %v)", fe.Tag(), redact(fe))
		}
		return &Error{Err: err}
	}

	switch cfg.PlatformName() {
	case "discord":
		if cfg.Discord == nil {
			return errorf("discord", "section is required when platform=discord")
		}
		if strings.TrimSpace(cfg.Discord.Token) == "" {
			return errorf("discord.token", "is required (or set ANNOUNCEBOT_TOKEN)")
		}
	case "telegram":
		if cfg.Telegram == nil {
			return errorf("telegram", "section is required when platform=telegram")
		}
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return errorf("telegram.token", "is required (or set ANNOUNCEBOT_TOKEN)")
		}
		if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return &Error{Err: err}
		}
	}

	if strings.TrimSpace(cfg.Source.DSN) == "" {
		return errorf("source.dsn", "is required (or set ANNOUNCEBOT_SOURCE_DSN)")
	}
	if _, err := ParseDurationField("source.query_timeout", cfg.Source.QueryTimeout); err != nil {
		return &Error{Err: err}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Storage.URL) == "" {
			return errorf("storage.url", "is required when storage.driver=redis")
		}
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errorf("storage.path", "is required when storage.driver=sqlite")
		}
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return &Error{Err: err}
	}

	for _, f := range []struct{ path, raw string }{
		{"relay.pacing", cfg.Relay.Pacing},
		{"relay.delivery_timeout", cfg.Relay.DeliveryTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return &Error{Err: err}
		}
	}

	if cfg.Ops != nil {
		for _, f := range []struct{ path, raw string }{
			{"ops.read_timeout", cfg.Ops.ReadTimeout},
			{"ops.write_timeout", cfg.Ops.WriteTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return &Error{Err: err}
			}
		}
	}
	return nil
}

// fieldPath converts "Config.Discord.ChannelID" into a readable path.
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

func redact(fe validator.FieldError) any {
	if strings.Contains(strings.ToLower(fe.Field()), "token") || strings.Contains(strings.ToLower(fe.Field()), "dsn") {
		return "<redacted>"
	}
	return fe.Value()
}
