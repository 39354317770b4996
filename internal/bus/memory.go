package bus

import (
	"context"
	"strings"
	"sync"
)

// rcvHWM bounds each subscriber channel. A consumer that stalls loses the
// ticks it could not take, never the publishers' throughput.
const rcvHWM = 1000

// MemoryTransport is the default in-process transport: a prefix-matched
// fan-out over buffered channels.
type MemoryTransport struct {
	mu   sync.RWMutex
	subs map[int]*memorySub
	next int
}

type memorySub struct {
	prefix string
	ch     chan Message
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[int]*memorySub)}
}

// Name implements Transport.
func (t *MemoryTransport) Name() string { return "memory" }

// Send delivers msg to every subscription whose prefix matches. Full
// subscriber channels are skipped.
func (t *MemoryTransport) Send(_ context.Context, msg Message) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subs {
		if !strings.HasPrefix(msg.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe implements Transport.
func (t *MemoryTransport) Subscribe(_ context.Context, prefix string) (<-chan Message, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.next
	t.next++
	sub := &memorySub{prefix: prefix, ch: make(chan Message, rcvHWM)}
	t.subs[id] = sub

	stop := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, stop, nil
}

// Close drops all subscriptions.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		delete(t.subs, id)
		close(sub.ch)
	}
	return nil
}
