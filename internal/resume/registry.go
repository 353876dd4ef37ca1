// Package resume implements the resumable stream registry. Each live turn
// output sequence is registered under a generated stream id; a reconnecting
// client can attach to the id and replay the sequence from the beginning,
// including whatever is still being produced.
//
// Resumability is an optional enhancement: the no-op registry is used when
// no redis backing store is configured, and backing-store failures are
// logged and swallowed so the primary turn never fails because of them.
package resume

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/relaychat/internal/stream"
)

// Sink receives the events of one registered stream. Publish must never
// block the turn: implementations buffer and drop under pressure.
type Sink interface {
	Publish(ev stream.Event)
	Close()
}

// Registry registers live output streams and lets later readers attach.
type Registry interface {
	// Register binds a stream id to a new sink. It never fails: when the
	// backing store is unavailable the returned sink discards events.
	Register(ctx context.Context, streamID string) Sink

	// Attach replays a registered stream from the start. The returned
	// channel closes after the done event, on ctx cancellation, or when the
	// stream stays absent past the attach window. Attach tolerates racing a
	// late Register.
	Attach(ctx context.Context, streamID string) <-chan stream.Event

	// Enabled reports whether a backing store is configured.
	Enabled() bool
}

// --- no-op ---

// NoopRegistry disables resumability without affecting turn correctness.
type NoopRegistry struct{}

// NewNoopRegistry creates the disabled registry.
func NewNoopRegistry() *NoopRegistry { return &NoopRegistry{} }

func (*NoopRegistry) Register(context.Context, string) Sink { return noopSink{} }

func (*NoopRegistry) Attach(_ context.Context, _ string) <-chan stream.Event {
	ch := make(chan stream.Event)
	close(ch)
	return ch
}

func (*NoopRegistry) Enabled() bool { return false }

type noopSink struct{}

func (noopSink) Publish(stream.Event) {}
func (noopSink) Close()               {}

// --- redis ---

const (
	streamKeyPrefix = "relaychat:stream:"
	streamTTL       = time.Hour
	attachWindow    = 30 * time.Second
	sinkBuffer      = 256
)

// RedisRegistry stores stream events in redis streams.
type RedisRegistry struct {
	client *redis.Client
}

// NewRedisRegistry connects to redis using the given URL.
func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisRegistry{client: redis.NewClient(opts)}, nil
}

func (r *RedisRegistry) Enabled() bool { return true }

// Register starts a background writer that appends published events to the
// redis stream. Write errors are logged, never surfaced. The writer runs on
// a detached context: the turn context ends with the sequence, and events
// still buffered at that point must reach redis so the persisted stream
// carries its terminal done event.
func (r *RedisRegistry) Register(ctx context.Context, streamID string) Sink {
	s := &redisSink{
		events: make(chan stream.Event, sinkBuffer),
		done:   make(chan struct{}),
	}

	writeCtx := context.WithoutCancel(ctx)

	key := streamKeyPrefix + streamID
	go func() {
		defer close(s.done)
		first := true
		for ev := range s.events {
			data, err := ev.EncodeJSON()
			if err != nil {
				log.Warn().Err(err).Str("stream_id", streamID).Msg("failed to encode resumable event")
				continue
			}
			if err := r.client.XAdd(writeCtx, &redis.XAddArgs{
				Stream: key,
				Values: map[string]interface{}{"data": string(data)},
			}).Err(); err != nil {
				log.Warn().Err(err).Str("stream_id", streamID).Msg("failed to append resumable event")
				continue
			}
			if first {
				first = false
				if err := r.client.Expire(writeCtx, key, streamTTL).Err(); err != nil {
					log.Warn().Err(err).Str("stream_id", streamID).Msg("failed to set stream ttl")
				}
			}
		}
	}()

	return s
}

// Attach replays the stream from id 0 and keeps reading until done.
func (r *RedisRegistry) Attach(ctx context.Context, streamID string) <-chan stream.Event {
	out := make(chan stream.Event, 16)
	key := streamKeyPrefix + streamID

	go func() {
		defer close(out)

		lastID := "0"
		deadline := time.Now().Add(attachWindow)
		sawData := false

		for {
			if ctx.Err() != nil {
				return
			}
			if !sawData && time.Now().After(deadline) {
				log.Debug().Str("stream_id", streamID).Msg("attach window elapsed with no stream data")
				return
			}

			res, err := r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   2 * time.Second,
			}).Result()
			if err == redis.Nil {
				// No data yet; a late register may still be coming.
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("stream_id", streamID).Msg("failed to read resumable stream")
				return
			}

			for _, xs := range res {
				for _, msg := range xs.Messages {
					lastID = msg.ID
					raw, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					ev, err := stream.Decode([]byte(raw))
					if err != nil {
						log.Warn().Err(err).Str("stream_id", streamID).Msg("failed to decode resumable event")
						continue
					}
					sawData = true
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					if ev.Terminal() {
						return
					}
				}
			}
		}
	}()

	return out
}

type redisSink struct {
	events chan stream.Event
	done   chan struct{}
	closed bool
}

// Publish enqueues the event for the background writer, dropping it when
// the buffer is full. Losing resumability data must never stall the turn.
func (s *redisSink) Publish(ev stream.Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Debug().Msg("resumable stream buffer full, dropping event")
	}
}

// Close waits for the writer to flush every buffered event before
// returning, so the sequence tail is never truncated in redis.
func (s *redisSink) Close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
	<-s.done
}
