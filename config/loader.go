package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcnieho/Titta/errors"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "TITTA"

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	logger     *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
		logger:     slog.Default().With("component", "config"),
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the prefix of environment overrides.
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from Default, decodes every layer over it, applies environment
// overrides and validates the result.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decodeLayer(bytes.NewReader(data), cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "decode "+path)
		}
		l.logger.Debug("config layer loaded", "path", path)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Parse decodes one YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeLayer(bytes.NewReader(data), cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Parse", "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeLayer decodes over cfg so only keys present in the document change.
// Unknown keys are rejected.
func decodeLayer(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		key := l.envPrefix + "_" + name
		val, ok := l.lookupEnv(key)
		if !ok || val == "" {
			return nil
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", key)
		}
		*dst = val
		return nil
	}

	var urls, reconnectWait, gatewayEnabled, metricsEnabled string
	for name, dst := range map[string]*string{
		"NATS_URLS":           &urls,
		"NATS_NAME":           &cfg.NATS.Name,
		"NATS_USERNAME":       &cfg.NATS.Username,
		"NATS_PASSWORD":       &cfg.NATS.Password,
		"NATS_TOKEN":          &cfg.NATS.Token,
		"NATS_BUCKET":         &cfg.NATS.Bucket,
		"NATS_RECONNECT_WAIT": &reconnectWait,
		"RELAY_TRANSPORT":     &cfg.Relay.Transport,
		"GATEWAY_ENABLED":     &gatewayEnabled,
		"GATEWAY_ADDR":        &cfg.Gateway.Addr,
		"METRICS_ENABLED":     &metricsEnabled,
		"METRICS_ADDR":        &cfg.Metrics.Addr,
		"LOG_LEVEL":           &cfg.Log.Level,
		"LOG_FORMAT":          &cfg.Log.Format,
	} {
		if err := str(name, dst); err != nil {
			return err
		}
	}

	if urls != "" {
		cfg.NATS.URLs = nil
		for _, u := range strings.Split(urls, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.NATS.URLs = append(cfg.NATS.URLs, u)
			}
		}
	}
	if reconnectWait != "" {
		d, err := time.ParseDuration(reconnectWait)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_NATS_RECONNECT_WAIT")
		}
		cfg.NATS.ReconnectWait = d
	}
	for key, pair := range map[string]struct {
		raw string
		dst *bool
	}{
		"GATEWAY_ENABLED": {gatewayEnabled, &cfg.Gateway.Enabled},
		"METRICS_ENABLED": {metricsEnabled, &cfg.Metrics.Enabled},
	} {
		if pair.raw == "" {
			continue
		}
		b, err := strconv.ParseBool(pair.raw)
		if err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", l.envPrefix+"_"+key)
		}
		*pair.dst = b
	}
	return nil
}
