package capture

import (
	"fmt"

	"github.com/dcnieho/Titta/errors"
	"github.com/dcnieho/Titta/pkg/buffer"
	"github.com/dcnieho/Titta/sample"
)

// store is the kind-erased view of a typed sample buffer.
type store interface {
	append(sample.Sample) error
	peekN(n int, side buffer.Side) ([]sample.Sample, error)
	consumeN(n int, side buffer.Side) ([]sample.Sample, error)
	peekRange(r buffer.TimeRange) ([]sample.Sample, error)
	consumeRange(r buffer.TimeRange) ([]sample.Sample, error)
	clearRange(r buffer.TimeRange) (int, error)
	clear()
	len() int
	stats() buffer.StatsSummary
	Source
}

// Source lets a reader follow a buffer without consuming from it.
type Source interface {
	// PeekFrom returns up to max samples with index >= cursor. See buffer.Buffer.PeekFrom.
	PeekFrom(cursor uint64, max int) (items []sample.Sample, next uint64, missed uint64)
	// Changed returns a channel closed on the next append.
	Changed() <-chan struct{}
	// Produced returns the number of samples ever appended.
	Produced() uint64
}

type typedStore[T sample.Sample] struct {
	buf *buffer.Buffer[T]
}

func newStore[T sample.Sample](opts ...buffer.Option[T]) (store, error) {
	buf, err := buffer.New[T](opts...)
	if err != nil {
		return nil, err
	}
	return &typedStore[T]{buf: buf}, nil
}

func erase[T sample.Sample](in []T, err error) ([]sample.Sample, error) {
	if err != nil {
		return nil, err
	}
	out := make([]sample.Sample, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out, nil
}

func (s *typedStore[T]) append(smp sample.Sample) error {
	v, ok := smp.(T)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%T: %w", smp, errors.ErrInvalidData), "capture", "append", "match buffer type")
	}
	return s.buf.Append(v)
}

func (s *typedStore[T]) peekN(n int, side buffer.Side) ([]sample.Sample, error) {
	return erase(s.buf.PeekN(n, side))
}

func (s *typedStore[T]) consumeN(n int, side buffer.Side) ([]sample.Sample, error) {
	return erase(s.buf.ConsumeN(n, side))
}

func (s *typedStore[T]) peekRange(r buffer.TimeRange) ([]sample.Sample, error) {
	return erase(s.buf.PeekTimeRange(r))
}

func (s *typedStore[T]) consumeRange(r buffer.TimeRange) ([]sample.Sample, error) {
	return erase(s.buf.ConsumeTimeRange(r))
}

func (s *typedStore[T]) clearRange(r buffer.TimeRange) (int, error) {
	return s.buf.ClearTimeRange(r)
}

func (s *typedStore[T]) clear() { s.buf.Clear() }

func (s *typedStore[T]) len() int { return s.buf.Len() }

func (s *typedStore[T]) stats() buffer.StatsSummary { return s.buf.Stats().Summary() }

func (s *typedStore[T]) PeekFrom(cursor uint64, max int) ([]sample.Sample, uint64, uint64) {
	items, next, missed := s.buf.PeekFrom(cursor, max)
	out, _ := erase(items, nil)
	return out, next, missed
}

func (s *typedStore[T]) Changed() <-chan struct{} { return s.buf.Changed() }

func (s *typedStore[T]) Produced() uint64 { return s.buf.Produced() }

// newStoreFor allocates the typed buffer matching kind.
func newStoreFor(kind sample.Kind, cfg BufferConfig, sess *Session) (store, error) {
	prefix := ""
	if sess.metrics != nil {
		prefix = sess.name + "_" + kind.String()
	}
	switch kind {
	case sample.KindGaze:
		return newStore(bufferOptions[sample.Gaze](cfg, sess, prefix)...)
	case sample.KindEyeImage:
		return newStore(bufferOptions[sample.EyeImage](cfg, sess, prefix)...)
	case sample.KindExtSignal:
		return newStore(bufferOptions[sample.ExtSignal](cfg, sess, prefix)...)
	case sample.KindTimeSync:
		return newStore(bufferOptions[sample.TimeSync](cfg, sess, prefix)...)
	case sample.KindPositioning:
		return newStore(bufferOptions[sample.Positioning](cfg, sess, prefix)...)
	case sample.KindNotification:
		return newStore(bufferOptions[sample.Notification](cfg, sess, prefix)...)
	case sample.KindEyeOpenness:
		return newStore(bufferOptions[sample.EyeOpenness](cfg, sess, prefix)...)
	default:
		return nil, errors.Invalidf(errors.ErrUnknownStream, "capture", "newStoreFor", "kind %d", int(kind))
	}
}

func bufferOptions[T sample.Sample](cfg BufferConfig, sess *Session, prefix string) []buffer.Option[T] {
	opts := []buffer.Option[T]{buffer.WithInitialCapacity[T](cfg.InitialCapacity)}
	if cfg.Policy == buffer.DropOldest {
		opts = append(opts,
			buffer.WithCapacityPolicy[T](buffer.DropOldest, cfg.RingSize),
			buffer.WithDropCallback[T](func(s T) {
				sess.logger.Debug("sample evicted", "stream", s.Kind().String(), "system_time_stamp", s.SystemTimeStamp())
			}),
		)
	}
	if prefix != "" {
		opts = append(opts, buffer.WithMetrics[T](sess.metrics, prefix))
	}
	return opts
}
