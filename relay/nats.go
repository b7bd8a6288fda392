package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/natsclient"
	"github.com/dcnieho/Titta/pkg/retry"
)

// NATSConfig configures a NATSTransport.
type NATSConfig struct {
	// Bucket is the KV bucket holding advertisements.
	Bucket string `json:"bucket" yaml:"bucket"`
	// SubjectPrefix is prepended to the encoded source id to form a subject.
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	// TTL expires advertisements an outlet stops refreshing. 0 keeps them forever.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
	// QueueSize is the per-subscription packet queue.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// DefaultNATSConfig returns the bucket and subject names used by the CLI.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Bucket:        "titta_streams",
		SubjectPrefix: "titta.stream",
		TTL:           30 * time.Second,
		QueueSize:     DefaultSubscriptionQueue,
	}
}

// NATSTransport advertises channels in a JetStream KV bucket and carries
// packets as JSON over core NATS subjects.
type NATSTransport struct {
	client *natsclient.Client
	kv     *natsclient.KVStore
	cfg    NATSConfig
	logger *slog.Logger
}

// NewNATSTransport binds to the advertisement bucket, creating it if needed.
// client must be connected.
func NewNATSTransport(ctx context.Context, client *natsclient.Client, cfg NATSConfig, logger *slog.Logger) (*NATSTransport, error) {
	if client == nil {
		return nil, errors.Invalidf(errors.ErrInvalidArgument, "NATSTransport", "New", "nil client")
	}
	if cfg.Bucket == "" || cfg.SubjectPrefix == "" {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "NATSTransport", "New", "bucket and subject prefix are required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSubscriptionQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	var bucket jetstream.KeyValue
	err := retry.Do(ctx, retry.Quick(), func() error {
		var err error
		bucket, err = client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "Titta relay channel advertisements",
			TTL:         cfg.TTL,
			History:     1,
		})
		return err
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "New", "bind advertisement bucket")
	}

	return &NATSTransport{
		client: client,
		kv:     client.NewKVStore(bucket),
		cfg:    cfg,
		logger: logger.With("component", "relay-nats"),
	}, nil
}

// key encodes a source id into a token valid both as a KV key and a subject token.
func key(sourceID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sourceID))
}

// Subject returns the subject packets for sourceID are published on.
func (t *NATSTransport) Subject(sourceID string) string {
	return t.cfg.SubjectPrefix + "." + key(sourceID)
}

// Advertise implements Transport.
func (t *NATSTransport) Advertise(ctx context.Context, info ChannelInfo) error {
	if info.SourceID == "" {
		return errors.Invalidf(errors.ErrInvalidArgument, "NATSTransport", "Advertise", "empty source id")
	}
	data, err := json.Marshal(info)
	if err != nil {
		return errors.WrapInvalid(err, "NATSTransport", "Advertise", "marshal channel info")
	}
	if _, err := t.kv.Put(ctx, key(info.SourceID), data); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Advertise", info.SourceID)
	}
	return nil
}

// Withdraw implements Transport.
func (t *NATSTransport) Withdraw(ctx context.Context, sourceID string) error {
	if err := t.kv.Delete(ctx, key(sourceID)); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Withdraw", sourceID)
	}
	return nil
}

// Discover implements Transport. Entries that fail to decode are skipped.
func (t *NATSTransport) Discover(ctx context.Context) ([]ChannelInfo, error) {
	entries, err := t.kv.List(ctx)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "NATSTransport", "Discover", "list advertisements")
	}

	out := make([]ChannelInfo, 0, len(entries))
	for _, e := range entries {
		var info ChannelInfo
		if err := json.Unmarshal(e.Value, &info); err != nil {
			t.logger.Debug("skipping undecodable advertisement", "key", e.Key, "error", err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// Lookup implements Transport.
func (t *NATSTransport) Lookup(ctx context.Context, sourceID string) (ChannelInfo, error) {
	entry, err := t.kv.Get(ctx, key(sourceID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			err = fmt.Errorf("%s: %w", sourceID, errors.ErrSourceNotFound)
		}
		return ChannelInfo{}, errors.WrapTransient(err, "NATSTransport", "Lookup", "resolve source")
	}
	var info ChannelInfo
	if err := json.Unmarshal(entry.Value, &info); err != nil {
		return ChannelInfo{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "NATSTransport", "Lookup", "decode channel info")
	}
	return info, nil
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, p Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.WrapInvalid(err, "NATSTransport", "Publish", "marshal packet")
	}
	return t.client.Publish(ctx, t.Subject(p.SourceID), data)
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(_ context.Context, sourceID string) (Subscription, error) {
	sub := &natsSubscription{ch: make(chan Packet, t.cfg.QueueSize)}
	logger := t.logger.With("source_id", sourceID)

	ns, err := t.client.Subscribe(t.Subject(sourceID), func(data []byte) {
		var p Packet
		if err := json.Unmarshal(data, &p); err != nil {
			logger.Debug("dropping undecodable packet", "error", err)
			return
		}
		select {
		case sub.ch <- p:
		default:
			sub.dropped.Add(1)
		}
	})
	if err != nil {
		return nil, err
	}
	sub.sub = ns
	return sub, nil
}

type natsSubscription struct {
	sub     *nats.Subscription
	ch      chan Packet
	dropped atomic.Uint64
	once    sync.Once
	err     error
}

func (s *natsSubscription) C() <-chan Packet {
	return s.ch
}

func (s *natsSubscription) Close() error {
	s.once.Do(func() {
		if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			s.err = errors.WrapTransient(err, "NATSTransport", "Close", "unsubscribe")
		}
	})
	return s.err
}
