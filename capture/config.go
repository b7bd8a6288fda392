package capture

import (
	"fmt"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/sample"
)

// BufferConfig sizes the buffer of one stream kind.
type BufferConfig struct {
	InitialCapacity int    `json:"initial_capacity" yaml:"initial_capacity"`
	Capacity        string `json:"capacity" yaml:"capacity"` // "unbounded" or "ring"
	RingSize        int    `json:"ring_size" yaml:"ring_size"`

	Policy buffer.CapacityPolicy `json:"-" yaml:"-"`
}

// Config configures a capture Session.
type Config struct {
	// IncludeEyeOpennessInGaze fuses the eye openness stream into gaze.
	IncludeEyeOpennessInGaze bool `json:"include_eye_openness_in_gaze" yaml:"include_eye_openness_in_gaze"`
	// Buffers overrides buffer sizing per stream name.
	Buffers map[string]BufferConfig `json:"buffers" yaml:"buffers"`
}

// DefaultBufferConfig returns the buffer sizing used when none is configured.
func DefaultBufferConfig(kind sample.Kind) BufferConfig {
	switch kind {
	case sample.KindGaze, sample.KindEyeOpenness, sample.KindPositioning:
		return BufferConfig{InitialCapacity: 1 << 16, Capacity: "unbounded"}
	case sample.KindEyeImage:
		return BufferConfig{InitialCapacity: 1 << 8, Capacity: "unbounded"}
	default:
		return BufferConfig{InitialCapacity: 1 << 10, Capacity: "unbounded"}
	}
}

// DefaultConfig returns the default capture configuration.
func DefaultConfig() Config {
	return Config{}
}

// Validate checks stream names and ring sizes.
func (c *Config) Validate() error {
	for name, bc := range c.Buffers {
		if _, err := sample.ParseKind(name); err != nil {
			return errors.WrapInvalid(err, "capture", "Validate", "buffers."+name)
		}
		if _, err := bc.resolve(); err != nil {
			return errors.WrapInvalid(err, "capture", "Validate", "buffers."+name)
		}
	}
	return nil
}

// bufferConfig returns the effective sizing for kind.
func (c *Config) bufferConfig(kind sample.Kind) (BufferConfig, error) {
	bc := DefaultBufferConfig(kind)
	for name, override := range c.Buffers {
		if k, err := sample.ParseKind(name); err == nil && k == kind {
			if override.InitialCapacity > 0 {
				bc.InitialCapacity = override.InitialCapacity
			}
			if override.Capacity != "" {
				bc.Capacity = override.Capacity
			}
			bc.RingSize = override.RingSize
		}
	}
	return bc.resolve()
}

func (bc BufferConfig) resolve() (BufferConfig, error) {
	switch bc.Capacity {
	case "", "unbounded":
		bc.Policy = buffer.Unbounded
	case "ring", "drop_oldest":
		if bc.RingSize <= 0 {
			return bc, fmt.Errorf("ring buffer needs a positive ring_size, got %d: %w", bc.RingSize, errors.ErrInvalidConfig)
		}
		bc.Policy = buffer.DropOldest
	default:
		return bc, fmt.Errorf("unknown capacity %q: %w", bc.Capacity, errors.ErrInvalidConfig)
	}
	return bc, nil
}
