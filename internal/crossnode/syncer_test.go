package crossnode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

type remoteTrade struct {
	product string
	amount  float64
	at      time.Time
}

type sinkRecorder struct {
	mu     sync.Mutex
	trades []remoteTrade
}

func (r *sinkRecorder) OnRemoteTrade(productID string, amount float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, remoteTrade{product: productID, amount: amount, at: at})
}

func (r *sinkRecorder) received() []remoteTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remoteTrade, len(r.trades))
	copy(out, r.trades)
	return out
}

// gatedTransport blocks publishes until released and can be told to fail.
type gatedTransport struct {
	mu        sync.Mutex
	gate      chan struct{}
	fail      bool
	published [][]byte
	active    int
	maxActive int
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{gate: make(chan struct{})}
}

func (t *gatedTransport) Publish(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	t.active++
	t.maxActive = max(t.maxActive, t.active)
	gate, fail := t.gate, t.fail
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}()

	select {
	case <-gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	if fail {
		return errors.New("link down")
	}

	t.mu.Lock()
	t.published = append(t.published, payload)
	t.mu.Unlock()
	return nil
}

func (t *gatedTransport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (t *gatedTransport) Close() error { return nil }

func (t *gatedTransport) open() {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.gate:
	default:
		close(t.gate)
	}
}

func (t *gatedTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.published)
}

func testPool() gopool.Pool {
	return gopool.NewPool("sync-test", 8, gopool.NewConfig())
}

func runSyncer(t *testing.T, s *Syncer, sink RemoteSink) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, sink) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestMemoryTransportRoundTrip(t *testing.T) {
	transport := NewMemoryTransport(16)
	a := NewSyncer(Config{NodeID: "node-a"}, transport, testPool(), zap.NewNop())
	b := NewSyncer(Config{NodeID: "node-b"}, transport, testPool(), zap.NewNop())

	sinkA, sinkB := &sinkRecorder{}, &sinkRecorder{}
	stopA := runSyncer(t, a, sinkA)
	stopB := runSyncer(t, b, sinkB)

	// both subscriptions are registered before anything is published
	require.Eventually(t, func() bool { return transport.hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	a.Publish("diamond", -12.5)

	require.Eventually(t, func() bool { return len(sinkB.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got := sinkB.received()[0]
	assert.Equal(t, "diamond", got.product)
	assert.Equal(t, -12.5, got.amount)

	// self originated events never reach the local sink
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sinkA.received())

	stopA()
	stopB()
	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))
}

func TestHandleDropsBadPayloads(t *testing.T) {
	s := NewSyncer(Config{NodeID: "self"}, NewMemoryTransport(1), testPool(), zap.NewNop())
	sink := &sinkRecorder{}

	s.handle([]byte("{not json"), sink)
	s.handle([]byte(`{"source_node":"other","product_id":"","amount":1,"timestamp":1}`), sink)
	s.handle([]byte(`{"source_node":"self","product_id":"x","amount":1,"timestamp":1}`), sink)
	s.handle([]byte(`{"source_node":"other","product_id":"x","amount":3,"timestamp":1700000000000}`), sink)

	got := sink.received()
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].product)
	assert.Equal(t, time.UnixMilli(1_700_000_000_000), got[0].at)
}

func TestQueueDropsOldest(t *testing.T) {
	transport := newGatedTransport()
	s := NewSyncer(Config{NodeID: "n", QueueSize: 3}, transport, testPool(), zap.NewNop())

	// the first event is taken by the flusher and blocks on the gate
	s.Publish("p0", 0)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)

	for i := 1; i <= 5; i++ {
		s.Publish("p", float64(i))
	}
	assert.Equal(t, 3, s.Pending())

	s.mu.Lock()
	amounts := []float64{s.queue[0].Amount, s.queue[1].Amount, s.queue[2].Amount}
	s.mu.Unlock()
	assert.Equal(t, []float64{3, 4, 5}, amounts)

	transport.open()
	require.Eventually(t, func() bool { return transport.count() == 4 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
}

func TestSingleFlusher(t *testing.T) {
	transport := newGatedTransport()
	s := NewSyncer(Config{NodeID: "n", FlushBatch: 10}, transport, testPool(), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Publish("p", float64(i))
		}(i)
	}
	wg.Wait()

	transport.open()
	require.Eventually(t, func() bool { return transport.count() == 50 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.maxActive)
}

func TestFailedPublishKeepsEvent(t *testing.T) {
	transport := newGatedTransport()
	transport.fail = true
	transport.open()
	s := NewSyncer(Config{NodeID: "n"}, transport, testPool(), zap.NewNop())

	s.Publish("p", 1)
	require.Eventually(t, func() bool { return !s.flushing.Load() }, time.Second, time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	transport.mu.Lock()
	transport.fail = false
	transport.mu.Unlock()

	s.Publish("p", 2)
	require.Eventually(t, func() bool { return transport.count() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))
}

func TestCloseDrainsQueue(t *testing.T) {
	transport := newGatedTransport()
	s := NewSyncer(Config{NodeID: "n", QueueSize: 10}, transport, testPool(), zap.NewNop())

	s.Publish("p", 1)
	s.Publish("p", 2)
	transport.open()
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 2, transport.count())

	s.Publish("p", 3)
	assert.Zero(t, s.Pending())
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	pub, err := NewRedisTransport(ctx, RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	sub, err := NewRedisTransport(ctx, RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)

	a := NewSyncer(Config{NodeID: "node-a"}, pub, testPool(), zap.NewNop())
	b := NewSyncer(Config{NodeID: "node-b"}, sub, testPool(), zap.NewNop())

	sink := &sinkRecorder{}
	stop := runSyncer(t, b, sink)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] == 1
	}, time.Second, 5*time.Millisecond)

	a.Publish("emerald", 7)
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 7.0, sink.received()[0].amount)

	stop()
	require.NoError(t, a.Close(ctx))
	require.NoError(t, b.Close(ctx))

	t.Run("unreachable", func(t *testing.T) {
		_, err := NewRedisTransport(ctx, RedisOptions{Addr: "127.0.0.1:1"})
		require.Error(t, err)
	})
}

func TestEventEncoding(t *testing.T) {
	transport := newGatedTransport()
	transport.open()
	s := NewSyncer(Config{NodeID: "n"}, transport, testPool(), zap.NewNop(),
		WithClock(func() time.Time { return time.UnixMilli(1_700_000_000_123) }))

	s.Publish(domain.SystemTransferProduct, 60)
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close(context.Background()))

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.JSONEq(t,
		`{"source_node":"n","product_id":"SYSTEM_TRANSFER","amount":60,"timestamp":1700000000123}`,
		string(transport.published[0]))
}
