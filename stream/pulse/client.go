// Package pulse provides a thin signalbus-specific wrapper around Pulse
// streams. It mirrors the layering used across deployments: callers build a
// Redis client, pass it to New, and receive a typed interface exposing only
// the operations the bus components need, plus the stream introspection the
// operator surface and watchdogs read.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Stream and sink names are fixed; the bus is not a general pub/sub broker.
const (
	// SignalsStream is the durable stream carrying ingested signals.
	SignalsStream = "signals"

	// DeadLetterStream receives entries that exceeded their retry budget.
	DeadLetterStream = "signals.dead"

	// RelayGroup is the consumer group of the signal delivery worker.
	RelayGroup = "relay"

	// DispatchGroup is the consumer group on each per-EA fire stream.
	DispatchGroup = "dispatch"

	// DefaultMaxLen caps stream retention; trimming is approximate on
	// append.
	DefaultMaxLen = 250000
)

// FireStream returns the per-EA fire stream name.
func FireStream(targetUUID string) string {
	return fmt.Sprintf("fire.%s", targetUUID)
}

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses DefaultMaxLen.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client exposes the subset of Pulse APIs required by the bus
	// components, plus raw-stream introspection for the operator surface.
	Client interface {
		// Stream returns a handle to the named Pulse stream, creating it if
		// needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// StreamInfo reports length and pending-entry state for a stream's
		// consumer group. Length is zero for absent streams.
		StreamInfo(ctx context.Context, name, group string) (StreamInfo, error)
		// Close releases resources owned by the client. Callers typically
		// own the Redis connection and may provide a no-op implementation.
		Close(ctx context.Context) error
	}

	// Stream exposes the operations needed to publish bus events and create
	// sinks (consumer groups).
	Stream interface {
		// Add publishes an event with the given name and payload, returning
		// the event ID assigned by Redis (e.g. "1234567890-0").
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink creates a Pulse sink (consumer group) on this stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the entire stream and all its messages.
		Destroy(ctx context.Context) error
	}

	// Sink mirrors the subset of Pulse streaming sinks the consumers use.
	Sink interface {
		// Subscribe returns a channel that emits events as they arrive.
		Subscribe() <-chan *streaming.Event
		// Ack acknowledges successful processing of an event.
		Ack(context.Context, *streaming.Event) error
		// Close stops the sink and releases resources.
		Close(context.Context)
	}

	// StreamInfo is a point-in-time snapshot of a stream and one of its
	// consumer groups.
	StreamInfo struct {
		Length       int64
		Pending      int64
		OldestIdle   time.Duration
		ConsumerIdle time.Duration
	}
)

// client wraps a Redis connection and provides stream access.
type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	maxLen := opts.StreamMaxLen
	if maxLen == 0 {
		maxLen = DefaultMaxLen
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  maxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// Stream returns a handle to the named Pulse stream, creating it if it
// doesn't exist.
func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	streamOptions := []streamopts.Stream{streamopts.WithStreamMaxLen(c.maxLen)}
	streamOptions = append(streamOptions, opts...)
	str, err := streaming.NewStream(name, c.redis, streamOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// StreamInfo reads stream length and pending-entry state directly from
// Redis. Pulse prefixes its stream keys, so the raw key is derived here.
func (c *client) StreamInfo(ctx context.Context, name, group string) (StreamInfo, error) {
	key := "pulse:stream:" + name
	var info StreamInfo
	length, err := c.redis.XLen(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return info, fmt.Errorf("stream length %q: %w", name, err)
	}
	info.Length = length

	pending, err := c.redis.XPending(ctx, key, group).Result()
	if err != nil {
		// Absent group means nothing pending, not an error worth surfacing.
		return info, nil
	}
	info.Pending = pending.Count

	if pending.Count > 0 {
		ext, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: key,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  1,
		}).Result()
		if err == nil && len(ext) > 0 {
			info.OldestIdle = ext[0].Idle
		}
	}

	consumers, err := c.redis.XInfoConsumers(ctx, key, group).Result()
	if err == nil {
		for _, consumer := range consumers {
			if consumer.Idle > info.ConsumerIdle {
				info.ConsumerIdle = consumer.Idle
			}
		}
	}
	return info, nil
}

// Close is a no-op because the caller typically owns and manages the Redis
// connection lifecycle.
func (c *client) Close(ctx context.Context) error {
	return nil
}

// handle wraps a Pulse stream and applies optional timeouts to operations.
type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

// Add publishes an event to the stream with an optional timeout.
func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// NewSink creates a consumer group on the stream.
func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return &sinkAdapter{Sink: sink}, nil
}

// Destroy deletes the entire stream and all its messages from Redis.
func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// sinkAdapter adapts streaming.Sink to the Sink interface, making Close
// match the expected signature.
type sinkAdapter struct {
	*streaming.Sink
}

// Close delegates to the underlying Pulse sink.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
