package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("expected default config to be valid, got %v", errs)
	}
	if cfg.Reconnect.BaseDelay != time.Second {
		t.Errorf("expected base delay 1s, got %s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("expected max delay 30s, got %s", cfg.Reconnect.MaxDelay)
	}
	if cfg.Reconnect.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Typing.Idle != time.Second || cfg.Typing.RemoteTimeout != 5*time.Second {
		t.Errorf("unexpected typing windows %+v", cfg.Typing)
	}
	if cfg.Queue.TTL != 0 {
		t.Errorf("expected queue ttl disabled, got %s", cfg.Queue.TTL)
	}
	if cfg.Transport.Kind != TransportWebSocket {
		t.Errorf("expected websocket transport, got %q", cfg.Transport.Kind)
	}
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.URL != Default().Server.URL {
		t.Errorf("expected default url, got %q", cfg.Server.URL)
	}
	if cfg.Server.PingInterval != 25*time.Second {
		t.Errorf("expected ping interval 25s, got %s", cfg.Server.PingInterval)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	content := `
server:
  url: wss://chat.example.com/ws
reconnect:
  base_delay: 500ms
  max_attempts: 3
typing:
  idle: 2s
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHAT_RECONNECT_MAX_ATTEMPTS", "9")
	t.Setenv("CHAT_QUEUE_TTL", "2m")

	cfg, err := Load(viper.New(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.URL != "wss://chat.example.com/ws" {
		t.Errorf("expected url from file, got %q", cfg.Server.URL)
	}
	if cfg.Reconnect.BaseDelay != 500*time.Millisecond {
		t.Errorf("expected base delay 500ms from file, got %s", cfg.Reconnect.BaseDelay)
	}
	if cfg.Reconnect.MaxAttempts != 9 {
		t.Errorf("expected env to override max attempts to 9, got %d", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Queue.TTL != 2*time.Minute {
		t.Errorf("expected queue ttl 2m from env, got %s", cfg.Queue.TTL)
	}
	if cfg.Typing.Idle != 2*time.Second {
		t.Errorf("expected typing idle 2s, got %s", cfg.Typing.Idle)
	}
	if cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("expected untouched max delay to keep its default, got %s", cfg.Reconnect.MaxDelay)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for a missing config file")
	}
	if IsValidationError(err) {
		t.Fatalf("expected a read error, got validation error %v", err)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("CHAT_TRANSPORT_KIND", "carrier-pigeon")

	_, err := Load(viper.New(), "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(errs) != 1 || errs[0].Field != "transport.kind" {
		t.Fatalf("expected a single transport.kind error, got %v", errs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }, "reconnect.base_delay"},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = 100 * time.Millisecond }, "reconnect.max_delay"},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }, "reconnect.max_attempts"},
		{"jitter too large", func(c *Config) { c.Reconnect.Jitter = 1.5 }, "reconnect.jitter"},
		{"negative ttl", func(c *Config) { c.Queue.TTL = -time.Second }, "queue.ttl"},
		{"zero seen window", func(c *Config) { c.Queue.SeenWindow = 0 }, "queue.seen_window"},
		{"http url", func(c *Config) { c.Server.URL = "http://example.com/ws" }, "server.url"},
		{"zero typing idle", func(c *Config) { c.Typing.Idle = 0 }, "typing.idle"},
		{"nats without url", func(c *Config) {
			c.Transport.Kind = TransportNATS
			c.Transport.NATS.URL = ""
		}, "transport.nats.url"},
		{"redis without addr", func(c *Config) {
			c.Transport.Kind = TransportRedis
			c.Transport.Redis.Addr = ""
		}, "transport.redis.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %d: %v", len(errs), errs)
			}
			if errs[0].Field != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, errs[0].Field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if got := one.Error(); got != "a: bad (got: 1)" {
		t.Errorf("unexpected single error message %q", got)
	}

	two := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	got := two.Error()
	if !strings.HasPrefix(got, "2 validation errors:") || !strings.Contains(got, "2. b: worse") {
		t.Errorf("unexpected multi error message %q", got)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Reconnect.MaxAttempts = 7
	cfg.Queue.TTL = time.Minute
	cfg.Server.PingInterval = 3 * time.Second

	s := cfg.Session()
	if s.Connection.Reconnect.MaxAttempts != 7 {
		t.Errorf("expected 7 attempts, got %d", s.Connection.Reconnect.MaxAttempts)
	}
	if s.Connection.QueueTTL != time.Minute {
		t.Errorf("expected queue ttl 1m, got %s", s.Connection.QueueTTL)
	}
	if s.Router.TypingTimeout != cfg.Typing.RemoteTimeout || s.TypingIdle != cfg.Typing.Idle {
		t.Errorf("typing windows not carried over: %+v", s)
	}

	if w := cfg.WebSocket(); w.Heartbeat.Interval != 3*time.Second || w.URL != cfg.Server.URL {
		t.Errorf("unexpected websocket config %+v", w)
	}
	if n := cfg.NATS(); n.URL != cfg.Transport.NATS.URL || n.ClientSubject == "" {
		t.Errorf("unexpected nats config %+v", n)
	}
	if r := cfg.Redis(); r.Addr != cfg.Transport.Redis.Addr || r.DialTimeout != cfg.Server.DialTimeout {
		t.Errorf("unexpected redis config %+v", r)
	}
}
