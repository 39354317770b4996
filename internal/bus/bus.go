// Package bus carries normalized market data ticks from broker adapters to
// the streaming proxy. Delivery is at-most-once: a slow or absent subscriber
// never blocks a publisher. Each publisher handle drains its own bounded
// queue in order, so ticks from one adapter arrive in publish order.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradegate/internal/metrics"
)

// sendHWM is the per-publisher queue bound. When a publisher outruns the
// transport the oldest queued message is dropped first.
const sendHWM = 1000

// closeLinger bounds how long Close waits for queued messages to flush.
const closeLinger = time.Second

// Message is one tick on the bus.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport moves messages between publishers and the subscriber. Implemented
// by the in-process transport and the Redis pub/sub transport.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
	// Subscribe delivers every message whose topic starts with prefix on the
	// returned channel until stop is called.
	Subscribe(ctx context.Context, prefix string) (msgs <-chan Message, stop func(), err error)
	Close() error
}

// Bus fans ticks from many publishers into prefix subscriptions.
type Bus struct {
	transport Transport
	logger    zerolog.Logger

	mu      sync.Mutex
	handles []*PublishHandle
	closed  bool
}

// New builds a bus over the given transport.
func New(transport Transport, logger zerolog.Logger) *Bus {
	return &Bus{
		transport: transport,
		logger:    logger.With().Str("component", "bus").Logger(),
	}
}

// Publisher creates a publish handle for one adapter. The name labels drop
// metrics and logs; it does not namespace topics.
func (b *Bus) Publisher(name string) *PublishHandle {
	h := &PublishHandle{
		name:      name,
		transport: b.transport.Name(),
		queue:     make(chan Message, sendHWM),
		done:      make(chan struct{}),
		flushed:   make(chan struct{}),
		send: func(msg Message) error {
			return b.transport.Send(context.Background(), msg)
		},
		logger: b.logger.With().Str("publisher", name).Logger(),
	}
	go h.drain()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handles = append(b.handles, h)
	return h
}

// Subscribe attaches the single downstream consumer for a topic prefix.
func (b *Bus) Subscribe(ctx context.Context, prefix string) (*Subscription, error) {
	msgs, stop, err := b.transport.Subscribe(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return &Subscription{C: msgs, stop: stop}, nil
}

// Close flushes every handle within the linger window and shuts the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := b.handles
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *PublishHandle) {
			defer wg.Done()
			h.Close()
		}(h)
	}
	wg.Wait()
	return b.transport.Close()
}

// Subscription is a live prefix subscription. Messages arrive on C.
type Subscription struct {
	C    <-chan Message
	stop func()
	once sync.Once
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}

// PublishHandle is one adapter's ordered, bounded lane onto the bus.
type PublishHandle struct {
	name      string
	transport string
	queue     chan Message
	done      chan struct{}
	flushed   chan struct{}
	send      func(Message) error
	logger    zerolog.Logger
	closeMu   sync.Mutex
	closed    bool
}

// Publish enqueues a tick without blocking. When the queue is at the
// high-water mark the oldest message is discarded to make room.
func (h *PublishHandle) Publish(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: payload}

	select {
	case h.queue <- msg:
		metrics.BusPublished.WithLabelValues(h.name).Inc()
		return
	default:
	}

	// Full: evict the oldest entry, then retry once. The drain goroutine may
	// have freed a slot in between, in which case nothing is lost.
	select {
	case <-h.queue:
		metrics.BusDropped.WithLabelValues(h.name).Inc()
	default:
	}
	select {
	case h.queue <- msg:
		metrics.BusPublished.WithLabelValues(h.name).Inc()
	default:
		metrics.BusDropped.WithLabelValues(h.name).Inc()
	}
}

// Close stops accepting ticks and flushes the queue, waiting at most the
// linger window before abandoning whatever remains.
func (h *PublishHandle) Close() {
	h.closeMu.Lock()
	if h.closed {
		h.closeMu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.closeMu.Unlock()

	select {
	case <-h.flushed:
	case <-time.After(closeLinger):
		h.logger.Warn().Int("remaining", len(h.queue)).Msg("close linger expired, dropping queued ticks")
	}
}

func (h *PublishHandle) drain() {
	defer close(h.flushed)
	for {
		select {
		case msg := <-h.queue:
			h.forward(msg)
		case <-h.done:
			for {
				select {
				case msg := <-h.queue:
					h.forward(msg)
				default:
					return
				}
			}
		}
	}
}

func (h *PublishHandle) forward(msg Message) {
	timer := metrics.NewTimer()
	if err := h.send(msg); err != nil {
		h.logger.Error().Err(err).Str("topic", msg.Topic).Msg("transport send failed")
		metrics.BusDropped.WithLabelValues(h.name).Inc()
	}
	timer.ObserveDuration(metrics.BusPublishDuration, h.transport)
}
