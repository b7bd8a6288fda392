package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/dcnieho/Titta/capture"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/gateway/websocket"
	"github.com/dcnieho/Titta/natsclient"
	"github.com/dcnieho/Titta/relay"
	"github.com/dcnieho/Titta/sample"
)

// Relay transports
const (
	TransportNATS   = "nats"
	TransportMemory = "memory"
)

// Config is the complete application configuration.
type Config struct {
	NATS        NATSConfig        `yaml:"nats"`
	Capture     capture.Config    `yaml:"capture"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Relay       RelayConfig       `yaml:"relay"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// NATSConfig defines the NATS connection and the names relay traffic uses.
type NATSConfig struct {
	URLs          []string      `yaml:"urls"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	Timeout       time.Duration `yaml:"timeout"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Token         string        `yaml:"token,omitempty"`

	// Bucket is the KV bucket holding channel advertisements.
	Bucket        string        `yaml:"bucket"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	AdvertTTL     time.Duration `yaml:"advert_ttl"`
}

// CalibrationConfig configures the calibration workflow.
type CalibrationConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	Monocular    bool          `yaml:"monocular"`
	LeaveTimeout time.Duration `yaml:"leave_timeout"`
}

// RelayConfig configures outlets and listeners.
type RelayConfig struct {
	Transport           string        `yaml:"transport"` // nats or memory
	Kinds               []string      `yaml:"kinds"`
	BatchSize           int           `yaml:"batch_size"`
	ReadvertiseInterval time.Duration `yaml:"readvertise_interval"`
	QueueSize           int           `yaml:"queue_size"`

	ListenerInitialCapacity int `yaml:"listener_initial_capacity"`
	ListenerRingSize        int `yaml:"listener_ring_size"`
}

// GatewayConfig configures the websocket gateway.
type GatewayConfig struct {
	Enabled          bool `yaml:"enabled"`
	websocket.Config `yaml:",inline"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	nats := relay.DefaultNATSConfig()
	return &Config{
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "titta",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
			Bucket:        nats.Bucket,
			SubjectPrefix: nats.SubjectPrefix,
			AdvertTTL:     nats.TTL,
		},
		Capture: capture.DefaultConfig(),
		Calibration: CalibrationConfig{
			QueueSize:    64,
			LeaveTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Transport:           TransportNATS,
			Kinds:               []string{sample.KindGaze.String()},
			BatchSize:           relay.DefaultBatchSize,
			ReadvertiseInterval: 10 * time.Second,
			QueueSize:           relay.DefaultSubscriptionQueue,
		},
		Gateway: GatewayConfig{Config: websocket.DefaultConfig()},
		Metrics: MetricsConfig{Addr: ":9090", Path: "/metrics"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

func invalid(format string, args ...any) error {
	return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", format, args...)
}

// Validate checks the configuration and normalizes case-insensitive fields.
func (c *Config) Validate() error {
	c.Relay.Transport = strings.ToLower(c.Relay.Transport)
	switch c.Relay.Transport {
	case TransportMemory:
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the nats transport")
		}
		if !isValidBucketName(c.NATS.Bucket) {
			return invalid("nats.bucket %q is not a valid bucket name", c.NATS.Bucket)
		}
		if !isValidNATSSubjectPart(c.NATS.SubjectPrefix) {
			return invalid("nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix)
		}
		if c.NATS.AdvertTTL < 0 {
			return invalid("nats.advert_ttl must not be negative")
		}
	default:
		return invalid("relay.transport %q must be %q or %q", c.Relay.Transport, TransportNATS, TransportMemory)
	}

	if _, err := c.RelayKinds(); err != nil {
		return err
	}
	if c.Relay.BatchSize < 0 || c.Relay.QueueSize < 0 {
		return invalid("relay.batch_size and relay.queue_size must not be negative")
	}
	if c.Relay.ListenerInitialCapacity < 0 || c.Relay.ListenerRingSize < 0 {
		return invalid("relay listener sizes must not be negative")
	}
	if c.Calibration.QueueSize < 0 {
		return invalid("calibration.queue_size must not be negative")
	}

	if err := c.Capture.Validate(); err != nil {
		return err
	}

	if c.Gateway.Enabled && c.Gateway.Addr == "" {
		return invalid("gateway.addr is required when the gateway is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr is required when metrics are enabled")
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}

// RelayKinds parses relay.kinds. Every kind must be one an outlet can publish.
func (c *Config) RelayKinds() ([]sample.Kind, error) {
	kinds := make([]sample.Kind, 0, len(c.Relay.Kinds))
	for _, name := range c.Relay.Kinds {
		k, err := sample.ParseKind(name)
		if err != nil {
			return nil, invalid("relay.kinds: %v", err)
		}
		if !sample.Relayable(k) {
			return nil, invalid("relay.kinds: %s cannot be relayed", k)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// RelayNATS returns the transport settings for relay.NewNATSTransport.
func (c *Config) RelayNATS() relay.NATSConfig {
	return relay.NATSConfig{
		Bucket:        c.NATS.Bucket,
		SubjectPrefix: c.NATS.SubjectPrefix,
		TTL:           c.NATS.AdvertTTL,
		QueueSize:     c.Relay.QueueSize,
	}
}

// ClientOptions returns the natsclient options for the configured connection.
func (c *Config) ClientOptions() []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(c.NATS.MaxReconnects),
	}
	if c.NATS.Name != "" {
		opts = append(opts, natsclient.WithName(c.NATS.Name))
	}
	if c.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(c.NATS.ReconnectWait))
	}
	if c.NATS.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(c.NATS.Timeout))
	}
	if c.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(c.NATS.Username, c.NATS.Password))
	}
	if c.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(c.NATS.Token))
	}
	return opts
}

// URL returns the comma separated server list nats.Connect accepts.
func (c *Config) URL() string {
	return strings.Join(c.NATS.URLs, ",")
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, invalid("log.level %q must be debug, info, warn or error", level)
	}
}

// isValidNATSSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidNATSSubjectPart(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func isValidBucketName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns the configuration as YAML with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	data, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.WrapInvalid(err, "Config", "SaveToFile", "marshal config")
	}
	return safeWriteFile(path, data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.Invalidf(errors.ErrInvalidArgument, "SafeConfig", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
