package subscriber

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotSubscribed is returned by Receive before a successful Subscribe.
var ErrNotSubscribed = errors.New("bus: not subscribed")

// Message is one raw bus delivery.
type Message struct {
	Channel string
	Payload string
}

// BusConn abstracts the pub/sub connection so the receive loop can be tested
// against a fake. The production implementation wraps a redis client.
type BusConn interface {
	// Subscribe opens (or reopens) the subscription over the given channels.
	Subscribe(ctx context.Context, channels ...string) error

	// Receive blocks up to timeout for the next message. A nil message with
	// nil error means the wait expired or a non-data frame arrived.
	Receive(ctx context.Context, timeout time.Duration) (*Message, error)

	// Ping tests transport-level connectivity.
	Ping(ctx context.Context) error

	// Close tears down the subscription.
	Close() error
}

// redisBus implements BusConn over go-redis pub/sub. The redis client is
// owned by the caller; Close only releases the subscription.
type redisBus struct {
	client *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBus wraps an existing redis client as a BusConn.
func NewRedisBus(client *redis.Client) BusConn {
	return &redisBus{client: client}
}

func (b *redisBus) Subscribe(ctx context.Context, channels ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub != nil {
		b.pubsub.Close()
		b.pubsub = nil
	}

	ps := b.client.Subscribe(ctx, channels...)
	// Wait for the subscription confirmation so transport failures surface
	// here instead of on the first Receive.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return err
	}

	b.pubsub = ps
	return nil
}

func (b *redisBus) Receive(ctx context.Context, timeout time.Duration) (*Message, error) {
	b.mu.Lock()
	ps := b.pubsub
	b.mu.Unlock()

	if ps == nil {
		return nil, ErrNotSubscribed
	}

	raw, err := ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		// A timed-out bounded wait is the normal idle case, not an error.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}

	switch m := raw.(type) {
	case *redis.Message:
		return &Message{Channel: m.Channel, Payload: m.Payload}, nil
	default:
		// Subscription confirmations and pongs carry no event data.
		return nil, nil
	}
}

func (b *redisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
