package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-redis/redis/v8"

	"github.com/james226/collab-session/metrics"
)

// Envelope carries one relayed frame between relay instances.
type Envelope struct {
	Origin string `cbor:"1,keyasint"`
	RoomID string `cbor:"2,keyasint"`
	Frame  []byte `cbor:"3,keyasint"`
}

// Backplane fans frames out to the other relay instances serving a room.
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, roomID string) (Subscription, error)
}

// Subscription delivers the envelopes published for one room. Envelopes is
// closed after Close.
type Subscription interface {
	Envelopes() <-chan Envelope
	Close() error
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("relay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("relay: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	err := decMode.Unmarshal(data, &env)
	return env, err
}

const channelPrefix = "collab:room:"

// RedisBackplane publishes envelopes on one Redis pub/sub channel per room.
type RedisBackplane struct {
	rdb     *redis.Client
	logger  *slog.Logger
	metrics *metrics.Relay
}

// NewRedisBackplane connects to the Redis server at url, for example
// redis://localhost:6379/0.
func NewRedisBackplane(ctx context.Context, url string, logger *slog.Logger, m *metrics.Relay) (*RedisBackplane, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{
		rdb:     rdb,
		logger:  logger.With("component", "backplane"),
		metrics: m,
	}, nil
}

func (b *RedisBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelPrefix+env.RoomID, data).Err()
}

func (b *RedisBackplane) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelPrefix+roomID)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to room %s: %w", roomID, err)
	}

	sub := &redisSubscription{ps: ps, out: make(chan Envelope, 64), done: make(chan struct{})}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				b.metrics.BackplaneError()
				b.logger.Warn("dropping undecodable envelope", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case sub.out <- env:
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func (b *RedisBackplane) Close() error {
	return b.rdb.Close()
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *redisSubscription) Envelopes() <-chan Envelope { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
