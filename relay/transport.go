package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/dcnieho/Titta/device"
	"github.com/dcnieho/Titta/sample"
)

// SourcePrefix starts every source id published by an Outlet.
const SourcePrefix = "TittaRelay"

// SourceID returns the id an outlet for kind on the tracker with serial uses.
func SourceID(kind sample.Kind, serial string) string {
	return fmt.Sprintf("%s:%s@%s", SourcePrefix, ChannelName(kind), serial)
}

// ChannelName returns the advertised channel name for kind.
func ChannelName(kind sample.Kind) string {
	return "Tobii_" + kind.String()
}

// ChannelType returns the content type advertised for kind.
func ChannelType(kind sample.Kind) string {
	switch kind {
	case sample.KindGaze:
		return "Gaze"
	case sample.KindExtSignal:
		return "TTL"
	case sample.KindTimeSync:
		return "TimeSync"
	case sample.KindPositioning:
		return "Positioning"
	default:
		return ""
	}
}

// ChannelInfo describes an advertised channel. It is what Discover returns and
// what a listener reports through GetInletInfo.
type ChannelInfo struct {
	SourceID string `json:"source_id"`
	// SessionID changes every time the outlet is started.
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	// NominalRate is in Hz; 0 means irregular.
	NominalRate  float64       `json:"nominal_rate"`
	Schema       sample.Schema `json:"schema"`
	Device       device.Info   `json:"device"`
	AdvertisedAt time.Time     `json:"advertised_at"`
}

// Kind returns the stream kind carried by the channel.
func (c ChannelInfo) Kind() sample.Kind {
	return c.Schema.Kind
}

// ChannelCount returns the number of value channels per sample.
func (c ChannelInfo) ChannelCount() int {
	return len(c.Schema.Channels)
}

// Format returns the value type of the channels.
func (c ChannelInfo) Format() sample.ChannelFormat {
	return c.Schema.Format
}

// Packet is one batch of samples published on a channel. Seq increases by one
// per packet within a session so receivers can count lost packets.
type Packet struct {
	SourceID  string         `json:"source_id"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Frames    []sample.Frame `json:"frames"`
}

// Transport carries channel advertisements and packets between processes.
type Transport interface {
	// Advertise makes info discoverable, replacing any previous advertisement
	// with the same source id.
	Advertise(ctx context.Context, info ChannelInfo) error
	// Withdraw removes an advertisement. Withdrawing an unknown source is not an error.
	Withdraw(ctx context.Context, sourceID string) error
	// Discover returns a snapshot of the current advertisements.
	Discover(ctx context.Context) ([]ChannelInfo, error)
	// Lookup returns the advertisement for sourceID, or an error wrapping
	// errors.ErrSourceNotFound.
	Lookup(ctx context.Context, sourceID string) (ChannelInfo, error)
	// Publish sends p to every subscriber of p.SourceID.
	Publish(ctx context.Context, p Packet) error
	// Subscribe starts receiving packets for sourceID.
	Subscribe(ctx context.Context, sourceID string) (Subscription, error)
}

// Subscription delivers packets for one source. Packets that arrive while the
// channel is full are dropped.
type Subscription interface {
	C() <-chan Packet
	// Close stops delivery. C is not closed.
	Close() error
}
