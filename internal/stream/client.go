package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// sendQueueSize bounds the per-client outbound queue. A client that
	// cannot drain this many frames is closed rather than allowed to stall
	// fan-out.
	sendQueueSize = 256

	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	pongTimeout  = 90 * time.Second
	// authTimeout is how long a fresh connection may sit unauthenticated.
	authTimeout  = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Inbound frames.
type clientFrame struct {
	Action  string      `json:"action"`
	APIKey  string      `json:"api_key,omitempty"`
	Symbols []symbolRef `json:"symbols,omitempty"`
	Mode    string      `json:"mode,omitempty"`
}

type symbolRef struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

// Outbound frames.
type authResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type marketDataFrame struct {
	Type     string          `json:"type"`
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	Mode     int             `json:"mode"`
	Data     json.RawMessage `json:"data"`
}

// client is one WebSocket consumer. Its lifecycle runs
// connected -> authenticated -> active -> closing -> closed; the send queue
// decouples fan-out from the socket so one slow reader never blocks others.
type client struct {
	id     string
	conn   *websocket.Conn
	userID string

	send chan []byte
	done chan struct{}
	once sync.Once

	// subs is guarded by the proxy's index lock.
	subs map[itemKey]struct{}

	log zerolog.Logger
}

func newClient(id string, conn *websocket.Conn, log zerolog.Logger) *client {
	return &client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
		subs: map[itemKey]struct{}{},
		log:  log.With().Str("client_id", id).Logger(),
	}
}

// enqueue offers a frame without blocking. A false return means the queue is
// full and the client should be closed.
func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// sendJSON marshals and enqueues a control frame (auth responses, errors).
func (c *client) sendJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// writeLoop is the client's single socket writer. It drains the send queue
// in order and keeps the connection alive with pings.
func (c *client) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close transitions the client to closed. Safe to call from any goroutine;
// closing the socket also unblocks the read loop.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
