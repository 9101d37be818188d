package crossnode

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vadiminshakov/ecocore/internal/events"
)

// DefaultChannel pub/sub channel shared by all nodes.
const DefaultChannel = "ecobridge:global_trade"

const dialTimeout = 2 * time.Second

// Transport moves encoded trade events between nodes.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	// Subscribe delivers payloads until ctx is done or the transport is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// RedisOptions connection settings of the redis transport.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisTransport redis pub/sub transport.
type RedisTransport struct {
	client  *redis.Client
	channel string
}

var _ Transport = (*RedisTransport)(nil)

// NewRedisTransport connects and pings the server.
func NewRedisTransport(ctx context.Context, opt RedisOptions) (*RedisTransport, error) {
	if opt.Channel == "" {
		opt.Channel = DefaultChannel
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		ClientName:   "ecocore",
		DialTimeout:  dialTimeout,
		ReadTimeout:  dialTimeout,
		WriteTimeout: dialTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", opt.Addr)
	}

	return &RedisTransport{client: client, channel: opt.Channel}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, payload []byte) error {
	if err := t.client.Publish(ctx, t.channel, payload).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := t.client.Subscribe(ctx, t.channel)
	// wait for the subscription to be confirmed so nothing published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "subscribe %s", t.channel)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

// MemoryTransport in-process transport for single node deployments and tests.
// Every subscriber sees every payload, including its own.
type MemoryTransport struct {
	hub  *events.Broadcaster[[]byte]
	done chan struct{}
	once sync.Once
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates a transport with the given per-subscriber buffer.
func NewMemoryTransport(buffer int) *MemoryTransport {
	return &MemoryTransport{
		hub:  events.NewBroadcaster[[]byte](buffer),
		done: make(chan struct{}),
	}
}

// Publish fans the payload out, dropping it for subscribers that are behind.
func (t *MemoryTransport) Publish(_ context.Context, payload []byte) error {
	select {
	case <-t.done:
		return errors.New("memory transport closed")
	default:
	}
	t.hub.Publish(payload)
	return nil
}

func (t *MemoryTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	ch := t.hub.Subscribe()
	go func() {
		select {
		case <-ctx.Done():
			t.hub.Unsubscribe(ch)
		case <-t.done:
		}
	}()
	return ch, nil
}

func (t *MemoryTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.hub.Close()
	})
	return nil
}
