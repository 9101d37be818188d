// Package crossnode shares trade telemetry between server instances.
// Delivery is best effort and at least once; receivers do not deduplicate.
package crossnode

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/metrics"
)

const (
	defaultQueueSize  = 10_000
	defaultFlushBatch = 100
	publishTimeout    = 2 * time.Second
)

// RemoteSink consumes trades reported by other nodes.
type RemoteSink interface {
	OnRemoteTrade(productID string, amount float64, at time.Time)
}

// Config syncer settings.
type Config struct {
	NodeID     string
	QueueSize  int
	FlushBatch int
}

// Syncer queues local trades for publication and feeds remote trades to a sink.
type Syncer struct {
	cfg       Config
	transport Transport
	pool      gopool.Pool
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu    sync.Mutex
	queue []domain.TradeEvent

	flushing atomic.Bool
	closed   atomic.Bool
	inflight sync.WaitGroup
}

// Option configures the Syncer.
type Option func(*Syncer)

// WithMetrics records sync metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// NewSyncer creates a syncer. Flushes run on pool.
func NewSyncer(cfg Config, transport Transport, pool gopool.Pool, logger *zap.Logger, opts ...Option) *Syncer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = defaultFlushBatch
	}

	s := &Syncer{
		cfg:       cfg,
		transport: transport,
		pool:      pool,
		logger:    logger.Named("sync").With(zap.String("node", cfg.NodeID)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NodeID identity stamped on outgoing events.
func (s *Syncer) NodeID() string {
	return s.cfg.NodeID
}

// Publish enqueues a local trade and triggers a flush. When the queue is
// full the oldest event is dropped.
func (s *Syncer) Publish(productID string, amount float64) {
	if s.closed.Load() {
		return
	}

	ev := domain.TradeEvent{
		SourceNode: s.cfg.NodeID,
		ProductID:  productID,
		Amount:     amount,
		Timestamp:  s.now().UnixMilli(),
	}

	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueSize {
		s.queue[0] = domain.TradeEvent{}
		s.queue = s.queue[1:]
		s.metrics.SyncDrop()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	s.triggerFlush()
}

// Pending returns the number of queued events.
func (s *Syncer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Syncer) triggerFlush() {
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	s.inflight.Add(1)
	s.pool.Go(func() {
		defer s.inflight.Done()
		s.flushLoop()
	})
}

// flushLoop is the only sender at any time. It keeps passing over the queue
// until it is empty or a publish fails.
func (s *Syncer) flushLoop() {
	for {
		sent, failed := s.flushPass()
		s.metrics.SyncPublish(sent)
		s.flushing.Store(false)

		if failed || s.closed.Load() || s.Pending() == 0 {
			return
		}
		if !s.flushing.CompareAndSwap(false, true) {
			return
		}
	}
}

func (s *Syncer) flushPass() (sent int, failed bool) {
	for sent < s.cfg.FlushBatch {
		ev, ok := s.pop()
		if !ok {
			return sent, false
		}

		payload, err := sonic.Marshal(ev)
		if err != nil {
			s.logger.Error("Dropped unencodable trade event", zap.String("product", ev.ProductID), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = s.transport.Publish(ctx, payload)
		cancel()
		if err != nil {
			s.pushFront(ev)
			s.logger.Warn("Trade publish failed, will retry on next event", zap.Error(err))
			return sent, true
		}
		sent++
	}
	return sent, false
}

func (s *Syncer) pop() (domain.TradeEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.TradeEvent{}, false
	}
	ev := s.queue[0]
	s.queue[0] = domain.TradeEvent{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *Syncer) pushFront(ev domain.TradeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= s.cfg.QueueSize {
		// newer events win
		s.metrics.SyncDrop()
		return
	}
	s.queue = append([]domain.TradeEvent{ev}, s.queue...)
}

// Run subscribes to the transport and forwards remote trades to sink until
// ctx is done or the subscription ends.
func (s *Syncer) Run(ctx context.Context, sink RemoteSink) error {
	msgs, err := s.transport.Subscribe(ctx)
	if err != nil {
		return err
	}

	s.logger.Info("Listening for remote trades")

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			s.handle(payload, sink)
		}
	}
}

func (s *Syncer) handle(payload []byte, sink RemoteSink) {
	var ev domain.TradeEvent
	if err := sonic.Unmarshal(payload, &ev); err != nil {
		s.logger.Debug("Dropped malformed trade event", zap.Error(err))
		return
	}
	if err := ev.Validate(); err != nil {
		s.logger.Debug("Dropped invalid trade event", zap.Error(err))
		return
	}
	if ev.SourceNode == s.cfg.NodeID {
		return
	}

	s.metrics.SyncReceive()
	sink.OnRemoteTrade(ev.ProductID, ev.Amount, time.UnixMilli(ev.Timestamp))
}

// Close stops accepting events, waits for the running flush and then sends
// whatever is still queued. The transport is closed afterwards.
func (s *Syncer) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.inflight.Wait()

	for {
		ev, ok := s.pop()
		if !ok {
			break
		}
		payload, err := sonic.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.transport.Publish(ctx, payload); err != nil {
			s.logger.Warn("Dropped queued trade events on shutdown", zap.Int("count", s.Pending()+1), zap.Error(err))
			break
		}
	}

	return s.transport.Close()
}
