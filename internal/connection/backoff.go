package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectConfig bounds reconnection. The delay before attempt n (counting
// from zero) is min(BaseDelay * 2^n, MaxDelay).
type ReconnectConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter randomizes each delay by up to this fraction (0 disables).
	Jitter float64
}

// DefaultReconnectConfig returns the delays used by the storefront client.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

func newBackoff(cfg ReconnectConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}
