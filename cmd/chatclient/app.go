package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mercado/storefront-chat/internal/chat"
	"github.com/mercado/storefront-chat/internal/config"
	"github.com/mercado/storefront-chat/internal/events"
	"github.com/mercado/storefront-chat/internal/logging"
	"github.com/mercado/storefront-chat/internal/messaging"
	"github.com/mercado/storefront-chat/internal/metrics"
	"github.com/mercado/storefront-chat/internal/transport"
	"github.com/mercado/storefront-chat/internal/ws"
)

// allEvents lists every event name a session publishes.
var allEvents = []string{
	events.NameNewMessage,
	events.NameMessageRead,
	events.NameUserTyping,
	events.NameUserOnline,
	events.NameUserOffline,
	events.NameUserConnected,
	events.NameConnectionState,
	events.NameReconnecting,
	events.NameConnectionFailed,
	events.NameOperationExpired,
}

type app struct {
	cfg     *config.Config
	log     *slog.Logger
	creds   transport.Credentials
	session *chat.Session
}

func newApp() (*app, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("chat client starting",
		"transport", cfg.Transport.Kind,
		"url", cfg.Server.URL,
		"reconnect_max_attempts", cfg.Reconnect.MaxAttempts,
		"queue_ttl", cfg.Queue.TTL,
	)

	return &app{
		cfg: cfg,
		log: logger,
		creds: transport.Credentials{
			UserID: v.GetString("auth.user_id"),
			Token:  v.GetString("auth.token"),
		},
		session: chat.NewSession(cfg.Session(), dialer, logger),
	}, nil
}

func newDialer(cfg *config.Config, logger *slog.Logger) (transport.Dialer, error) {
	switch cfg.Transport.Kind {
	case config.TransportWebSocket:
		return ws.NewDialer(cfg.WebSocket(), logger), nil
	case config.TransportNATS:
		return messaging.NewNATSDialer(cfg.NATS(), logger), nil
	case config.TransportRedis:
		return messaging.NewRedisDialer(cfg.Redis(), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}

// serveMetrics serves /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// eventLine is one line of listen output.
type eventLine struct {
	Event string       `json:"event"`
	At    time.Time    `json:"at"`
	Data  events.Event `json:"data"`
	Error string       `json:"error,omitempty"`
}

func newEventLine(ev events.Event, at time.Time) eventLine {
	line := eventLine{Event: ev.EventName(), At: at.UTC(), Data: ev}
	switch e := ev.(type) {
	case events.Reconnecting:
		if e.Err != nil {
			line.Error = e.Err.Error()
		}
	case events.ConnectionFailed:
		if e.Err != nil {
			line.Error = e.Err.Error()
		}
	}
	return line
}

// eventPrinter writes events as JSON lines.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
	log *slog.Logger
}

func newEventPrinter(w io.Writer, logger *slog.Logger) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w), log: logger}
}

func (p *eventPrinter) print(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enc.Encode(newEventLine(ev, time.Now())); err != nil {
		p.log.Error("write event", "event", ev.EventName(), "error", err)
	}
}
