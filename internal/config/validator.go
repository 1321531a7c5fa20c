package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string // config key, e.g. "reconnect.max_delay"
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted log formats.
func ValidLogFormats() []string {
	return []string{"text", "json"}
}

// ValidTransports returns the accepted transport kinds.
func ValidTransports() []string {
	return []string{TransportWebSocket, TransportNATS, TransportRedis}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field string, value any, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: fmt.Sprintf(format, args...)})
	}
	positive := func(field string, d time.Duration) {
		if d <= 0 {
			add(field, d, "must be positive")
		}
	}

	positive("server.dial_timeout", c.Server.DialTimeout)
	positive("server.ping_interval", c.Server.PingInterval)
	positive("server.pong_wait", c.Server.PongWait)
	if c.Server.WriteTimeout < 0 {
		add("server.write_timeout", c.Server.WriteTimeout, "must not be negative")
	}

	positive("reconnect.base_delay", c.Reconnect.BaseDelay)
	positive("reconnect.max_delay", c.Reconnect.MaxDelay)
	if c.Reconnect.MaxDelay > 0 && c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		add("reconnect.max_delay", c.Reconnect.MaxDelay, "must be at least reconnect.base_delay (%s)", c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxAttempts < 1 {
		add("reconnect.max_attempts", c.Reconnect.MaxAttempts, "must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		add("reconnect.jitter", c.Reconnect.Jitter, "must be in [0, 1)")
	}

	positive("typing.idle", c.Typing.Idle)
	positive("typing.remote_timeout", c.Typing.RemoteTimeout)

	if c.Queue.TTL < 0 {
		add("queue.ttl", c.Queue.TTL, "must not be negative")
	}
	if c.Queue.SeenWindow < 1 {
		add("queue.seen_window", c.Queue.SeenWindow, "must be at least 1")
	}

	switch c.Transport.Kind {
	case TransportWebSocket:
		if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			add("server.url", c.Server.URL, "must be an absolute ws:// or wss:// URL")
		}
	case TransportNATS:
		if c.Transport.NATS.URL == "" {
			add("transport.nats.url", c.Transport.NATS.URL, "required for the nats transport")
		}
		positive("transport.nats.connect_timeout", c.Transport.NATS.ConnectTimeout)
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			add("transport.redis.addr", c.Transport.Redis.Addr, "required for the redis transport")
		}
	default:
		add("transport.kind", c.Transport.Kind, "must be one of %s", strings.Join(ValidTransports(), ", "))
	}

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Log.Level)) {
		add("log.level", c.Log.Level, "must be one of %s", strings.Join(ValidLogLevels(), ", "))
	}
	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Log.Format)) {
		add("log.format", c.Log.Format, "must be one of %s", strings.Join(ValidLogFormats(), ", "))
	}

	return errs
}
