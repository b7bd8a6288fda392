package sample

import (
	"github.com/dcnieho/Titta/errors"
)

// Kind is the category of a time series produced by the eye tracker.
type Kind int

const (
	KindGaze Kind = iota
	KindEyeImage
	KindExtSignal
	KindTimeSync
	KindPositioning
	KindNotification
	// KindEyeOpenness is a sub-stream that can be fused into gaze.
	KindEyeOpenness
)

var kindNames = [...]string{
	KindGaze:         "gaze",
	KindEyeImage:     "eye_image",
	KindExtSignal:    "external_signal",
	KindTimeSync:     "time_sync",
	KindPositioning:  "positioning",
	KindNotification: "notification",
	KindEyeOpenness:  "eye_openness",
}

var kindAliases = map[string]Kind{
	"eyeImage":       KindEyeImage,
	"eyeImages":      KindEyeImage,
	"extSignal":      KindExtSignal,
	"ext_signal":     KindExtSignal,
	"timeSync":       KindTimeSync,
	"eyeOpenness":    KindEyeOpenness,
	"notifications":  KindNotification,
	"externalSignal": KindExtSignal,
}

// Kinds returns every stream kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindGaze, KindEyeImage, KindExtSignal, KindTimeSync, KindPositioning, KindNotification, KindEyeOpenness}
}

// String returns the canonical snake_case name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// ParseKind converts a stream name to a Kind. Both the canonical snake_case names
// and the camelCase names used by older clients are accepted.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return Kind(k), nil
		}
	}
	if k, ok := kindAliases[s]; ok {
		return k, nil
	}
	return 0, errors.Invalidf(errors.ErrUnknownStream, "sample", "ParseKind", "stream %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, errors.Invalidf(errors.ErrUnknownStream, "sample", "MarshalText", "kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
