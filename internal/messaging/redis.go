package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mercado/storefront-chat/internal/transport"
)

// Redis channel names used by the chat relay.
const (
	ChannelUserInbox = "chat:user:" // + <usuario_id>
	ChannelClient    = "chat:client"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	InboxPrefix   string
	ClientChannel string
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DialTimeout:   10 * time.Second,
		WriteTimeout:  5 * time.Second,
		InboxPrefix:   ChannelUserInbox,
		ClientChannel: ChannelClient,
	}
}

// ClientEnvelope wraps a client frame published to the relay channel so the
// backend can attribute it without a socket-level session.
type ClientEnvelope struct {
	UserID string          `json:"usuario_id"`
	Token  string          `json:"token,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// RedisDialer opens one Redis client and pub/sub subscription per channel.
type RedisDialer struct {
	config RedisConfig
	log    *slog.Logger
}

func NewRedisDialer(config RedisConfig, logger *slog.Logger) *RedisDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDialer{config: config, log: logger.With("component", "redis")}
}

// Dial pings the server and waits for the subscription confirmation before
// reporting the channel open.
func (d *RedisDialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        d.config.Addr,
		Password:    d.config.Password,
		DB:          d.config.DB,
		DialTimeout: d.config.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("messaging: redis ping: %w", err)
	}

	channel := d.config.InboxPrefix + creds.UserID
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("messaging: redis subscribe %s: %w", channel, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	d.log.Info("connected", "addr", d.config.Addr, "channel", channel)
	return &redisConn{
		config: d.config,
		creds:  creds,
		rdb:    rdb,
		ps:     ps,
		ctx:    readCtx,
		cancel: cancel,
	}, nil
}

type redisConn struct {
	config RedisConfig
	creds  transport.Credentials
	rdb    *redis.Client
	ps     *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *redisConn) ReadFrame() ([]byte, error) {
	msg, err := c.ps.ReceiveMessage(c.ctx)
	if err != nil {
		if c.ctx.Err() != nil {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("messaging: redis receive: %w", err)
	}
	return []byte(msg.Payload), nil
}

func (c *redisConn) WriteFrame(data []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	payload, err := json.Marshal(ClientEnvelope{
		UserID: c.creds.UserID,
		Token:  c.creds.Token,
		Frame:  json.RawMessage(data),
	})
	if err != nil {
		return fmt.Errorf("messaging: redis envelope: %w", err)
	}

	ctx := c.ctx
	if c.config.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.WriteTimeout)
		defer cancel()
	}
	if err := c.rdb.Publish(ctx, c.config.ClientChannel, payload).Err(); err != nil {
		return fmt.Errorf("messaging: redis publish %s: %w", c.config.ClientChannel, err)
	}
	return nil
}

func (c *redisConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		_ = c.ps.Close()
		err = c.rdb.Close()
	})
	return err
}
