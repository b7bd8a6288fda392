package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcnieho/Titta/capture"
	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/sample"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "titta_streams", cfg.NATS.Bucket)
	assert.Equal(t, "titta.stream", cfg.NATS.SubjectPrefix)
	assert.Equal(t, TransportNATS, cfg.Relay.Transport)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, ":3003", cfg.Gateway.Addr)

	kinds, err := cfg.RelayKinds()
	require.NoError(t, err)
	assert.Equal(t, []sample.Kind{sample.KindGaze}, kinds)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
nats:
  urls: [nats://a:4222, nats://b:4222]
  reconnect_wait: 5s
  advert_ttl: 1m
capture:
  include_eye_openness_in_gaze: true
  buffers:
    gaze:
      capacity: ring
      ring_size: 1000
calibration:
  queue_size: 8
  monocular: true
relay:
  kinds: [gaze, external_signal]
  batch_size: 16
gateway:
  enabled: true
  addr: ":8080"
  ping_interval: 10s
log:
  level: DEBUG
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.URL())
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, time.Minute, cfg.RelayNATS().TTL)
	assert.True(t, cfg.Capture.IncludeEyeOpennessInGaze)
	assert.Equal(t, 1000, cfg.Capture.Buffers["gaze"].RingSize)
	assert.Equal(t, 8, cfg.Calibration.QueueSize)
	assert.True(t, cfg.Calibration.Monocular)
	assert.Equal(t, 16, cfg.Relay.BatchSize)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, ":8080", cfg.Gateway.Addr)
	assert.Equal(t, 10*time.Second, cfg.Gateway.PingInterval)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched sections keep their defaults.
	assert.Equal(t, "titta_streams", cfg.NATS.Bucket)
	assert.Equal(t, "/", cfg.Gateway.Path)

	kinds, err := cfg.RelayKinds()
	require.NoError(t, err)
	assert.Equal(t, []sample.Kind{sample.KindGaze, sample.KindExtSignal}, kinds)
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("nats:\n  servers: [x]\n"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"no urls", func(c *Config) { c.NATS.URLs = nil }},
		{"bad bucket", func(c *Config) { c.NATS.Bucket = "titta.streams" }},
		{"bad subject prefix", func(c *Config) { c.NATS.SubjectPrefix = "titta stream" }},
		{"trailing dot prefix", func(c *Config) { c.NATS.SubjectPrefix = "titta." }},
		{"negative ttl", func(c *Config) { c.NATS.AdvertTTL = -time.Second }},
		{"unknown transport", func(c *Config) { c.Relay.Transport = "carrier-pigeon" }},
		{"unknown kind", func(c *Config) { c.Relay.Kinds = []string{"brainwaves"} }},
		{"eye images are not relayed", func(c *Config) { c.Relay.Kinds = []string{"eye_image"} }},
		{"negative batch", func(c *Config) { c.Relay.BatchSize = -1 }},
		{"negative listener ring", func(c *Config) { c.Relay.ListenerRingSize = -1 }},
		{"negative calibration queue", func(c *Config) { c.Calibration.QueueSize = -1 }},
		{"ring without size", func(c *Config) {
			c.Capture.Buffers = map[string]capture.BufferConfig{"gaze": {Capacity: "ring"}}
		}},
		{"gateway without addr", func(c *Config) { c.Gateway.Enabled = true; c.Gateway.Addr = "" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
		})
	}
}

func TestValidateMemoryTransportNeedsNoNATS(t *testing.T) {
	cfg := Default()
	cfg.Relay.Transport = "MEMORY"
	cfg.NATS.URLs = nil
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportMemory, cfg.Relay.Transport)
}

func TestLoaderLayers(t *testing.T) {
	base := writeFile(t, "base.yaml", `
nats:
  urls: [nats://base:4222]
  name: base
relay:
  kinds: [gaze]
`)
	override := writeFile(t, "override.yml", `
nats:
  name: override
relay:
  kinds: [time_sync]
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://base:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "override", cfg.NATS.Name)
	assert.Equal(t, []string{"time_sync"}, cfg.Relay.Kinds)
}

func TestLoaderRejectsFiles(t *testing.T) {
	loader := NewLoader()

	_, err := loader.LoadFile(writeFile(t, "config.toml", "x = 1"))
	require.Error(t, err)

	_, err = loader.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = loader.LoadFile(writeFile(t, "bad.yaml", "relay:\n  transport: smoke\n"))
	require.Error(t, err)

	loader.EnableValidation(false)
	cfg, err := loader.LoadFile(writeFile(t, "bad.yaml", "relay:\n  transport: smoke\n"))
	require.NoError(t, err)
	assert.Equal(t, "smoke", cfg.Relay.Transport)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv("TITTA_NATS_URLS", "nats://x:1, nats://y:2")
	t.Setenv("TITTA_NATS_TOKEN", "s3cret")
	t.Setenv("TITTA_NATS_RECONNECT_WAIT", "250ms")
	t.Setenv("TITTA_RELAY_TRANSPORT", "memory")
	t.Setenv("TITTA_GATEWAY_ENABLED", "true")
	t.Setenv("TITTA_GATEWAY_ADDR", ":9999")
	t.Setenv("TITTA_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://x:1", "nats://y:2"}, cfg.NATS.URLs)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, 250*time.Millisecond, cfg.NATS.ReconnectWait)
	assert.Equal(t, TransportMemory, cfg.Relay.Transport)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, ":9999", cfg.Gateway.Addr)

	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)
}

func TestLoaderEnvOverrideErrors(t *testing.T) {
	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("TITTA_NATS_RECONNECT_WAIT", "soon")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("TITTA_METRICS_ENABLED", "maybe")
		_, err := NewLoader().Load()
		require.Error(t, err)
	})
	t.Run("custom prefix", func(t *testing.T) {
		t.Setenv("LAB_LOG_FORMAT", "json")
		loader := NewLoader()
		loader.SetEnvPrefix("LAB")
		cfg, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "json", cfg.Log.Format)
	})
}

func TestSaveAndLoad(t *testing.T) {
	cfg := Default()
	cfg.NATS.URLs = []string{"nats://saved:4222"}
	cfg.Calibration.Monocular = true
	cfg.Capture.IncludeEyeOpennessInGaze = true

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.NATS.URLs, loaded.NATS.URLs)
	assert.True(t, loaded.Calibration.Monocular)
	assert.True(t, loaded.Capture.IncludeEyeOpennessInGaze)
	assert.Equal(t, cfg.NATS.ReconnectWait, loaded.NATS.ReconnectWait)
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "tok"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "tok\n")
	assert.Contains(t, out, "***")
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	assert.Len(t, cfg.ClientOptions(), 4)

	cfg.NATS.Username, cfg.NATS.Password = "u", "p"
	cfg.NATS.Token = "t"
	assert.Len(t, cfg.ClientOptions(), 6)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(nil)

	got := sc.Get()
	got.NATS.Name = "mutated"
	assert.Equal(t, "titta", sc.Get().NATS.Name)

	require.Error(t, sc.Update(nil))

	bad := Default()
	bad.Log.Format = "xml"
	require.Error(t, sc.Update(bad))

	next := Default()
	next.NATS.Name = "next"
	require.NoError(t, sc.Update(next))
	assert.Equal(t, "next", sc.Get().NATS.Name)
}
