package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// redisStreamPrefix namespaces the per-room stream keys.
	redisStreamPrefix = "textsync:room:"

	// redisStreamMaxLen caps a room's stream; older entries are trimmed.
	// A replica that fell further behind resyncs via the state vector
	// exchange instead of replaying the stream.
	redisStreamMaxLen = 10000

	// redisReadBlock is how long one XREAD call blocks before re-checking
	// the context.
	redisReadBlock = time.Second

	// redisReadCount is the max number of entries fetched per XREAD call.
	redisReadCount = 64
)

// RedisStreamTransport relays frames through a Redis Stream, one stream
// per room. Every replica appends with XADD and tails the stream with
// XREAD from its own cursor, so the stream doubles as a short replay
// buffer for briefly disconnected peers.
type RedisStreamTransport struct {
	client *redis.Client
	stream string
	recv   chan []byte

	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewRedisStreamTransport connects a transport to the given room's
// stream. Reading starts at the stream tail; history before the connect
// is the resync protocol's concern. The caller retains ownership of the
// Redis client.
func NewRedisStreamTransport(ctx context.Context, client *redis.Client, room string, logger *zap.Logger) (*RedisStreamTransport, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	t := &RedisStreamTransport{
		client: client,
		stream: redisStreamPrefix + room,
		recv:   make(chan []byte, 1024),
		cancel: runCancel,
		done:   make(chan struct{}),
		logger: logger.Named("redis-transport").With(zap.String("room", room)),
	}

	go t.readLoop(runCtx)
	return t, nil
}

// Send appends a frame to the room's stream.
func (t *RedisStreamTransport) Send(ctx context.Context, data []byte) error {
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: redisStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"frame": data},
	}).Err()
	return errors.Wrap(err, "failed to append frame to stream")
}

// Recv returns the channel of frames read from the stream.
func (t *RedisStreamTransport) Recv() <-chan []byte {
	return t.recv
}

// Close stops the read loop. The Redis client stays open for its owner.
func (t *RedisStreamTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		<-t.done
		close(t.recv)
	})
	return nil
}

func (t *RedisStreamTransport) readLoop(ctx context.Context) {
	defer close(t.done)

	// "$" starts at the stream tail.
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}

		res, err := t.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{t.stream, lastID},
			Count:   redisReadCount,
			Block:   redisReadBlock,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(redisReadBlock):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				raw, ok := msg.Values["frame"].(string)
				if !ok {
					t.logger.Warn("dropping stream entry without frame field", zap.String("id", msg.ID))
					continue
				}
				select {
				case t.recv <- []byte(raw):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}
