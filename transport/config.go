package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/soenet/metrics"
)

// Config holds engine settings that do not change after New.
type Config struct {
	// ListenAddr is the UDP address Start binds, e.g. ":20000".
	ListenAddr string

	// Gateway disables encryption for every session.
	Gateway bool
	// Encrypt enables encryption for new sessions when not a gateway.
	Encrypt bool
	// Key is the RC4 session key. Required when encryption is in effect.
	Key []byte

	AckInterval        time.Duration
	OutOfOrderInterval time.Duration
	// IdleTimeout closes sessions that stay silent this long. Zero disables.
	IdleTimeout time.Duration

	// InboxSize bounds the per-session queue of undecoded datagrams.
	InboxSize int
	// MaxQueuedPackets bounds the per-session outbound queue.
	MaxQueuedPackets int
	// ReadBufferSize is the largest datagram the engine reads.
	ReadBufferSize int

	// NewSessionRate limits accepted session requests per second. Zero disables.
	NewSessionRate  float64
	NewSessionBurst int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":0",
		Encrypt:            true,
		AckInterval:        10 * time.Millisecond,
		OutOfOrderInterval: time.Second,
		IdleTimeout:        60 * time.Second,
		InboxSize:          256,
		MaxQueuedPackets:   4096,
		ReadBufferSize:     65536,
		NewSessionRate:     100,
		NewSessionBurst:    50,
	}
}

// encryptionEnabled reports whether new sessions start encrypted.
func (c Config) encryptionEnabled() bool {
	return c.Encrypt && !c.Gateway
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.encryptionEnabled() && len(c.Key) == 0:
		return fmt.Errorf("%w: encryption enabled without a key", ErrInvalidConfig)
	case c.AckInterval <= 0:
		return fmt.Errorf("%w: ack interval must be positive", ErrInvalidConfig)
	case c.OutOfOrderInterval <= 0:
		return fmt.Errorf("%w: out-of-order interval must be positive", ErrInvalidConfig)
	case c.IdleTimeout < 0:
		return fmt.Errorf("%w: negative idle timeout", ErrInvalidConfig)
	case c.InboxSize <= 0:
		return fmt.Errorf("%w: inbox size must be positive", ErrInvalidConfig)
	case c.MaxQueuedPackets <= 0:
		return fmt.Errorf("%w: max queued packets must be positive", ErrInvalidConfig)
	case c.ReadBufferSize < 2:
		return fmt.Errorf("%w: read buffer too small", ErrInvalidConfig)
	case c.NewSessionRate < 0:
		return fmt.Errorf("%w: negative session rate", ErrInvalidConfig)
	case c.NewSessionRate > 0 && c.NewSessionBurst <= 0:
		return fmt.Errorf("%w: session burst must be positive", ErrInvalidConfig)
	}
	return nil
}

// Option customizes an Engine.
type Option func(*Engine)

// WithTimeProvider injects the clock used for tickers and idle tracking.
func WithTimeProvider(tp TimeProvider) Option {
	return func(e *Engine) {
		e.clock = tp
	}
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger replaces the engine log entry.
func WithLogger(entry *logrus.Entry) Option {
	return func(e *Engine) {
		if entry != nil {
			e.log = entry
		}
	}
}

// WithPacketConn makes Start use conn instead of binding ListenAddr. The
// engine takes ownership and closes conn on Stop.
func WithPacketConn(conn net.PacketConn) Option {
	return func(e *Engine) {
		e.conn = conn
	}
}
