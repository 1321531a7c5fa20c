// Package config loads client settings from defaults, an optional YAML file,
// CHAT_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mercado/storefront-chat/internal/chat"
	"github.com/mercado/storefront-chat/internal/connection"
	"github.com/mercado/storefront-chat/internal/messaging"
	"github.com/mercado/storefront-chat/internal/router"
	"github.com/mercado/storefront-chat/internal/ws"
)

// EnvPrefix prefixes every environment override, e.g. CHAT_SERVER_URL.
const EnvPrefix = "CHAT"

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportRedis     = "redis"
)

// Config is the full client configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Typing    TypingConfig    `mapstructure:"typing"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Transport TransportConfig `mapstructure:"transport"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig describes the WebSocket endpoint.
type ServerConfig struct {
	URL          string        `mapstructure:"url"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
}

// ReconnectConfig bounds automatic reconnection.
type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Jitter      float64       `mapstructure:"jitter"`
}

// TypingConfig holds both typing windows.
type TypingConfig struct {
	Idle          time.Duration `mapstructure:"idle"`           // local input idle before stop
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"` // remote indicator auto-clear
}

// QueueConfig controls the outbound queue and inbound dedup window.
type QueueConfig struct {
	TTL        time.Duration `mapstructure:"ttl"` // 0 keeps operations forever
	SeenWindow int           `mapstructure:"seen_window"`
}

// TransportConfig selects the channel implementation.
type TransportConfig struct {
	Kind  string      `mapstructure:"kind"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Redis RedisConfig `mapstructure:"redis"`
}

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	InboxPrefix    string        `mapstructure:"inbox_prefix"`
	ClientSubject  string        `mapstructure:"client_subject"`
}

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	InboxPrefix   string `mapstructure:"inbox_prefix"`
	ClientChannel string `mapstructure:"client_channel"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	session := chat.DefaultConfig()
	dialer := ws.DefaultDialerConfig()
	nc := messaging.DefaultNATSConfig()
	rc := messaging.DefaultRedisConfig()

	return &Config{
		Server: ServerConfig{
			URL:          dialer.URL,
			DialTimeout:  session.Connection.DialTimeout,
			WriteTimeout: dialer.WriteTimeout,
			PingInterval: dialer.Heartbeat.Interval,
			PongWait:     dialer.Heartbeat.Timeout,
		},
		Reconnect: ReconnectConfig{
			BaseDelay:   session.Connection.Reconnect.BaseDelay,
			MaxDelay:    session.Connection.Reconnect.MaxDelay,
			MaxAttempts: session.Connection.Reconnect.MaxAttempts,
			Jitter:      session.Connection.Reconnect.Jitter,
		},
		Typing: TypingConfig{
			Idle:          session.TypingIdle,
			RemoteTimeout: session.Router.TypingTimeout,
		},
		Queue: QueueConfig{
			TTL:        session.Connection.QueueTTL,
			SeenWindow: session.Router.SeenWindow,
		},
		Transport: TransportConfig{
			Kind: TransportWebSocket,
			NATS: NATSConfig{
				URL:            nc.URL,
				Name:           nc.Name,
				ConnectTimeout: nc.ConnectTimeout,
				InboxPrefix:    nc.InboxPrefix,
				ClientSubject:  nc.ClientSubject,
			},
			Redis: RedisConfig{
				Addr:          rc.Addr,
				Password:      rc.Password,
				DB:            rc.DB,
				InboxPrefix:   rc.InboxPrefix,
				ClientChannel: rc.ClientChannel,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers every key with v so environment overrides are seen
// by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.dial_timeout", d.Server.DialTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.pong_wait", d.Server.PongWait)

	v.SetDefault("reconnect.base_delay", d.Reconnect.BaseDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("reconnect.jitter", d.Reconnect.Jitter)

	v.SetDefault("typing.idle", d.Typing.Idle)
	v.SetDefault("typing.remote_timeout", d.Typing.RemoteTimeout)

	v.SetDefault("queue.ttl", d.Queue.TTL)
	v.SetDefault("queue.seen_window", d.Queue.SeenWindow)

	v.SetDefault("transport.kind", d.Transport.Kind)
	v.SetDefault("transport.nats.url", d.Transport.NATS.URL)
	v.SetDefault("transport.nats.name", d.Transport.NATS.Name)
	v.SetDefault("transport.nats.connect_timeout", d.Transport.NATS.ConnectTimeout)
	v.SetDefault("transport.nats.inbox_prefix", d.Transport.NATS.InboxPrefix)
	v.SetDefault("transport.nats.client_subject", d.Transport.NATS.ClientSubject)
	v.SetDefault("transport.redis.addr", d.Transport.Redis.Addr)
	v.SetDefault("transport.redis.password", d.Transport.Redis.Password)
	v.SetDefault("transport.redis.db", d.Transport.Redis.DB)
	v.SetDefault("transport.redis.inbox_prefix", d.Transport.Redis.InboxPrefix)
	v.SetDefault("transport.redis.client_channel", d.Transport.Redis.ClientChannel)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
}

// Load reads the configuration into a Config and validates it. path may be
// empty, in which case only defaults, environment and bound flags apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// Session returns the chat session settings.
func (c *Config) Session() chat.Config {
	return chat.Config{
		Connection: connection.Config{
			Reconnect: connection.ReconnectConfig{
				BaseDelay:   c.Reconnect.BaseDelay,
				MaxDelay:    c.Reconnect.MaxDelay,
				MaxAttempts: c.Reconnect.MaxAttempts,
				Jitter:      c.Reconnect.Jitter,
			},
			DialTimeout: c.Server.DialTimeout,
			QueueTTL:    c.Queue.TTL,
		},
		Router: router.Config{
			TypingTimeout: c.Typing.RemoteTimeout,
			SeenWindow:    c.Queue.SeenWindow,
		},
		TypingIdle: c.Typing.Idle,
	}
}

// WebSocket returns the WebSocket dialer settings.
func (c *Config) WebSocket() ws.DialerConfig {
	return ws.DialerConfig{
		URL:          c.Server.URL,
		DialTimeout:  c.Server.DialTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.Server.PingInterval,
			Timeout:  c.Server.PongWait,
		},
	}
}

// NATS returns the NATS transport settings.
func (c *Config) NATS() messaging.NATSConfig {
	n := c.Transport.NATS
	return messaging.NATSConfig{
		URL:            n.URL,
		Name:           n.Name,
		ConnectTimeout: n.ConnectTimeout,
		InboxPrefix:    n.InboxPrefix,
		ClientSubject:  n.ClientSubject,
	}
}

// Redis returns the Redis transport settings.
func (c *Config) Redis() messaging.RedisConfig {
	r := c.Transport.Redis
	return messaging.RedisConfig{
		Addr:          r.Addr,
		Password:      r.Password,
		DB:            r.DB,
		DialTimeout:   c.Server.DialTimeout,
		WriteTimeout:  c.Server.WriteTimeout,
		InboxPrefix:   r.InboxPrefix,
		ClientChannel: r.ClientChannel,
	}
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var errs ValidationErrors
	return errors.As(err, &errs)
}
