package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBackplane connects relays in the same process. Envelopes go through the
// CBOR codec like they do on Redis.
type memBackplane struct {
	mu   sync.Mutex
	subs map[string][]*memSubscription
}

func newMemBackplane() *memBackplane {
	return &memBackplane{subs: make(map[string][]*memSubscription)}
}

func (b *memBackplane) Publish(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[env.RoomID] {
		decoded, err := decodeEnvelope(data)
		if err != nil {
			return err
		}
		select {
		case sub.out <- decoded:
		default:
		}
	}
	return nil
}

func (b *memBackplane) Subscribe(ctx context.Context, roomID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memSubscription{b: b, roomID: roomID, out: make(chan Envelope, 64)}
	b.subs[roomID] = append(b.subs[roomID], sub)
	return sub, nil
}

type memSubscription struct {
	b      *memBackplane
	roomID string
	out    chan Envelope
	once   sync.Once
}

func (s *memSubscription) Envelopes() <-chan Envelope { return s.out }

func (s *memSubscription) Close() error {
	s.once.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		subs := s.b.subs[s.roomID]
		for i, sub := range subs {
			if sub == s {
				s.b.subs[s.roomID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.out)
	})
	return nil
}

func TestEnvelopeCodec(t *testing.T) {
	env := Envelope{Origin: "instance-1", RoomID: "room-1", Frame: []byte(`{"event":"chat_message","msg":"hi","timestamp":1}`)}

	data, err := encodeEnvelope(env)
	require.NoError(t, err)
	again, err := encodeEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestEnvelopeDecodeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestRedisBackplaneRejectsBadURL(t *testing.T) {
	_, err := NewRedisBackplane(context.Background(), "http://localhost:6379", nil, nil)
	assert.ErrorContains(t, err, "parsing redis url")
}

func TestMemBackplaneDelivers(t *testing.T) {
	b := newMemBackplane()
	sub, err := b.Subscribe(context.Background(), "room-1")
	require.NoError(t, err)
	other, err := b.Subscribe(context.Background(), "room-2")
	require.NoError(t, err)
	defer other.Close()

	env := Envelope{Origin: "a", RoomID: "room-1", Frame: []byte("{}")}
	require.NoError(t, b.Publish(context.Background(), env))

	assert.Equal(t, env, <-sub.Envelopes())
	assert.Empty(t, other.Envelopes())

	require.NoError(t, sub.Close())
	_, open := <-sub.Envelopes()
	assert.False(t, open)
}
