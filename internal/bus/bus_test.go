package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(NewMemoryTransport(), zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func collect(t *testing.T, sub *Subscription, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case msg, ok := <-sub.C:
			require.True(t, ok, "subscription closed early")
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("timed out after %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestPrefixSubscriptionMatches(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(context.Background(), "ZERODHA_NSE_")
	require.NoError(t, err)
	defer sub.Close()

	pub := b.Publisher("zerodha")
	pub.Publish("ZERODHA_NSE_RELIANCE_LTP", []byte(`{"ltp":2890.5}`))
	pub.Publish("ZERODHA_BSE_RELIANCE_LTP", []byte(`{"ltp":2890.4}`))
	pub.Publish("ZERODHA_NSE_SBIN_QUOTE", []byte(`{"ltp":812}`))

	got := collect(t, sub, 2)
	assert.Equal(t, "ZERODHA_NSE_RELIANCE_LTP", got[0].Topic)
	assert.Equal(t, "ZERODHA_NSE_SBIN_QUOTE", got[1].Topic)

	select {
	case msg := <-sub.C:
		t.Fatalf("unexpected extra message %q", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrderPreservedPerPublisher(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(context.Background(), "UPSTOX_")
	require.NoError(t, err)
	defer sub.Close()

	pub := b.Publisher("upstox")
	const n = 200
	for i := 0; i < n; i++ {
		pub.Publish("UPSTOX_NSE_TCS_LTP", []byte(fmt.Sprintf("%d", i)))
	}

	got := collect(t, sub, n)
	for i, msg := range got {
		assert.Equal(t, fmt.Sprintf("%d", i), string(msg.Payload))
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	// A transport that never completes must not stall Publish.
	b := New(&stuckTransport{block: make(chan struct{})}, zerolog.Nop())

	pub := b.Publisher("angelone")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendHWM*3; i++ {
			pub.Publish("ANGELONE_NSE_INFY_LTP", []byte("x"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled transport")
	}
}

func TestDropOldestAtHighWaterMark(t *testing.T) {
	st := &stuckTransport{block: make(chan struct{})}
	b := New(st, zerolog.Nop())

	pub := b.Publisher("zerodha")
	// Message 0 is pulled into the stalled forward call and the queue fills
	// with 1..sendHWM. Every publish past that must evict from the head.
	pub.Publish("ZERODHA_NSE_SBIN_LTP", []byte("0"))
	require.Eventually(t, func() bool { return len(pub.queue) == 0 }, time.Second, time.Millisecond)

	total := sendHWM + 50
	for i := 1; i < total+1; i++ {
		pub.Publish("ZERODHA_NSE_SBIN_LTP", []byte(fmt.Sprintf("%d", i)))
	}

	close(st.block)
	pub.Close()

	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.sent, sendHWM+1, "in-flight message plus a full queue")
	assert.Equal(t, "0", string(st.sent[0].Payload), "in-flight message before the queue filled")
	// The oldest queued ticks were evicted; the newest survived.
	assert.Equal(t, "51", string(st.sent[1].Payload))
	assert.Equal(t, fmt.Sprintf("%d", total), string(st.sent[len(st.sent)-1].Payload))
}

func TestCloseFlushesQueued(t *testing.T) {
	tr := NewMemoryTransport()
	b := New(tr, zerolog.Nop())

	sub, err := b.Subscribe(context.Background(), "")
	require.NoError(t, err)

	pub := b.Publisher("flattrade")
	for i := 0; i < 10; i++ {
		pub.Publish("FLATTRADE_MCX_CRUDEOIL_LTP", []byte(fmt.Sprintf("%d", i)))
	}
	pub.Close()

	got := collect(t, sub, 10)
	assert.Len(t, got, 10)
	require.NoError(t, b.Close())
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	sub, err := b.Subscribe(context.Background(), "X_")
	require.NoError(t, err)
	sub.Close()
	sub.Close()
}

// stuckTransport blocks Send until released, then records what it saw.
type stuckTransport struct {
	block chan struct{}
	mu    sync.Mutex
	sent  []Message
}

func (s *stuckTransport) Name() string { return "stuck" }

func (s *stuckTransport) Send(_ context.Context, msg Message) error {
	<-s.block
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stuckTransport) Subscribe(context.Context, string) (<-chan Message, func(), error) {
	return nil, func() {}, nil
}

func (s *stuckTransport) Close() error { return nil }
