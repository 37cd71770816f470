package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/soenet/crypto"
	"github.com/opd-ai/soenet/limits"
	"github.com/opd-ai/soenet/transport"
)

// Config represents the complete server configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Timing  TimingConfig  `yaml:"timing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig contains socket and admission settings
type ServerConfig struct {
	BindAddress      string  `yaml:"bind_address"`
	UDPPort          int     `yaml:"udp_port"`
	ReadBufferSize   int     `yaml:"read_buffer_size"`
	InboxSize        int     `yaml:"inbox_size"`
	MaxQueuedPackets int     `yaml:"max_queued_packets"`
	NewSessionRate   float64 `yaml:"new_session_rate"`
	NewSessionBurst  int     `yaml:"new_session_burst"`
}

// SessionConfig contains the parameters announced in SessionReply
type SessionConfig struct {
	// CRCSeed of zero means a random seed is chosen at startup.
	CRCSeed     uint32 `yaml:"crc_seed"`
	CRCLength   uint8  `yaml:"crc_length"`
	Compression uint16 `yaml:"compression"`
	UDPLength   uint32 `yaml:"udp_length"`

	Gateway       bool   `yaml:"gateway"`
	Encrypt       bool   `yaml:"encrypt"`
	EncryptionKey string `yaml:"encryption_key"` // base64
}

// TimingConfig contains the per-session loop intervals
type TimingConfig struct {
	AckInterval        time.Duration `yaml:"ack_interval"`
	OutOfOrderInterval time.Duration `yaml:"out_of_order_interval"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
}

// MetricsConfig contains the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	engine := transport.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			BindAddress:      "0.0.0.0",
			UDPPort:          20000,
			ReadBufferSize:   engine.ReadBufferSize,
			InboxSize:        engine.InboxSize,
			MaxQueuedPackets: engine.MaxQueuedPackets,
			NewSessionRate:   engine.NewSessionRate,
			NewSessionBurst:  engine.NewSessionBurst,
		},
		Session: SessionConfig{
			CRCLength:   2,
			Compression: 256,
			UDPLength:   limits.DefaultUDPLength,
			Encrypt:     engine.Encrypt,
		},
		Timing: TimingConfig{
			AckInterval:        engine.AckInterval,
			OutOfOrderInterval: engine.OutOfOrderInterval,
			IdleTimeout:        engine.IdleTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "127.0.0.1:9100",
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration on top of Default and validates it.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate performs validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Timing.Validate(); err != nil {
		return fmt.Errorf("timing config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 0 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", s.UDPPort)
	}
	if s.BindAddress == "" {
		return errors.New("bind_address cannot be empty")
	}
	if s.ReadBufferSize < int(limits.MinUDPLength) {
		return fmt.Errorf("read_buffer_size must be at least %d bytes, got %d", limits.MinUDPLength, s.ReadBufferSize)
	}
	if s.InboxSize < 1 {
		return fmt.Errorf("inbox_size must be at least 1, got %d", s.InboxSize)
	}
	if s.MaxQueuedPackets < 1 {
		return fmt.Errorf("max_queued_packets must be at least 1, got %d", s.MaxQueuedPackets)
	}
	if s.NewSessionRate < 0 {
		return fmt.Errorf("new_session_rate cannot be negative, got %f", s.NewSessionRate)
	}
	if s.NewSessionRate > 0 && s.NewSessionBurst < 1 {
		return fmt.Errorf("new_session_burst must be at least 1 when rate limiting, got %d", s.NewSessionBurst)
	}
	return nil
}

// Validate validates session parameters
func (s *SessionConfig) Validate() error {
	if s.CRCLength > limits.MaxChecksumLength {
		return fmt.Errorf("crc_length must be at most %d, got %d", limits.MaxChecksumLength, s.CRCLength)
	}
	if err := limits.ValidateUDPLength(s.UDPLength); err != nil {
		return fmt.Errorf("udp_length: %w", err)
	}
	if s.Encrypt && !s.Gateway && s.EncryptionKey == "" {
		return errors.New("encryption_key is required when encrypt is on and gateway is off")
	}
	if s.EncryptionKey != "" {
		if _, err := crypto.ParseKey(s.EncryptionKey); err != nil {
			return fmt.Errorf("encryption_key: %w", err)
		}
	}
	return nil
}

// Validate validates loop timing
func (t *TimingConfig) Validate() error {
	if t.AckInterval <= 0 {
		return fmt.Errorf("ack_interval must be positive, got %s", t.AckInterval)
	}
	if t.OutOfOrderInterval <= 0 {
		return fmt.Errorf("out_of_order_interval must be positive, got %s", t.OutOfOrderInterval)
	}
	if t.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %s", t.IdleTimeout)
	}
	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		return fmt.Errorf("address %q: %w", m.Address, err)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("path must start with /, got %q", m.Path)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return err
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", l.Format)
	}
	if l.Output == "" {
		return errors.New("output cannot be empty")
	}
	return nil
}

// ListenAddr returns the UDP address the engine binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.UDPPort))
}

// ToTransport converts the configuration into engine settings.
func (c *Config) ToTransport() (transport.Config, error) {
	tc := transport.DefaultConfig()
	tc.ListenAddr = c.ListenAddr()
	tc.Gateway = c.Session.Gateway
	tc.Encrypt = c.Session.Encrypt
	tc.AckInterval = c.Timing.AckInterval
	tc.OutOfOrderInterval = c.Timing.OutOfOrderInterval
	tc.IdleTimeout = c.Timing.IdleTimeout
	tc.InboxSize = c.Server.InboxSize
	tc.MaxQueuedPackets = c.Server.MaxQueuedPackets
	tc.ReadBufferSize = c.Server.ReadBufferSize
	tc.NewSessionRate = c.Server.NewSessionRate
	tc.NewSessionBurst = c.Server.NewSessionBurst

	if c.Session.EncryptionKey != "" {
		key, err := crypto.ParseKey(c.Session.EncryptionKey)
		if err != nil {
			return transport.Config{}, fmt.Errorf("encryption_key: %w", err)
		}
		tc.Key = key
	}
	return tc, tc.Validate()
}

// SetupLogging configures the global logrus logger. The returned closer
// releases a log file, if one was opened.
func SetupLogging(l LoggingConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	switch l.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch l.Output {
	case "stdout", "":
		logrus.SetOutput(os.Stdout)
		return nopCloser{}, nil
	case "stderr":
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", l.Output, err)
	}
	logrus.SetOutput(f)
	return f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
