package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AdapterConfig holds the transport settings shared by every adapter.
type AdapterConfig struct {
	Broker         string
	RestURL        string
	WsURL          string
	ReconnectDelay time.Duration
	PingInterval   time.Duration
	RequestTimeout time.Duration
}

func (c *AdapterConfig) withDefaults() AdapterConfig {
	out := *c
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	if out.PingInterval == 0 {
		out.PingInterval = 30 * time.Second
	}
	if out.RequestTimeout == 0 {
		out.RequestTimeout = 10 * time.Second
	}
	return out
}

// BaseAdapter provides the handler plumbing and session bookkeeping shared
// by every broker adapter. Adapters embed it and keep their protocol code in
// their own package.
type BaseAdapter struct {
	config AdapterConfig
	Log    zerolog.Logger

	mu           sync.RWMutex
	creds        Credentials
	session      Session
	ltpHandler   LTPHandler
	quoteHandler QuoteHandler
	depthHandler DepthHandler
	errorHandler ErrorHandler
	connected    bool
	lastTickTime time.Time
}

// NewBaseAdapter creates the shared adapter core.
func NewBaseAdapter(config AdapterConfig, logger zerolog.Logger) *BaseAdapter {
	return &BaseAdapter{
		config: config.withDefaults(),
		Log:    logger.With().Str("broker", config.Broker).Logger(),
	}
}

// Broker returns the broker identifier.
func (a *BaseAdapter) Broker() string { return a.config.Broker }

// Config returns the adapter transport settings.
func (a *BaseAdapter) Config() AdapterConfig { return a.config }

// SetSession installs credentials and session tokens for subsequent calls.
func (a *BaseAdapter) SetSession(creds Credentials, session Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds
	a.session = session
}

// CredentialsAndSession returns the installed credentials and session.
func (a *BaseAdapter) CredentialsAndSession() (Credentials, Session) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds, a.session
}

// SetLTPHandler sets the LTP tick handler.
func (a *BaseAdapter) SetLTPHandler(h LTPHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ltpHandler = h
}

// SetQuoteHandler sets the quote tick handler.
func (a *BaseAdapter) SetQuoteHandler(h QuoteHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quoteHandler = h
}

// SetDepthHandler sets the depth tick handler.
func (a *BaseAdapter) SetDepthHandler(h DepthHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.depthHandler = h
}

// SetErrorHandler sets the stream error handler.
func (a *BaseAdapter) SetErrorHandler(h ErrorHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorHandler = h
}

// EmitLTP delivers an LTP tick to the handler.
func (a *BaseAdapter) EmitLTP(t *LTPTick) {
	a.mu.Lock()
	a.lastTickTime = time.Now()
	h := a.ltpHandler
	a.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// EmitQuote delivers a quote tick to the handler.
func (a *BaseAdapter) EmitQuote(t *QuoteTick) {
	a.mu.Lock()
	a.lastTickTime = time.Now()
	h := a.quoteHandler
	a.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// EmitDepth delivers a depth tick to the handler.
func (a *BaseAdapter) EmitDepth(t *DepthTick) {
	a.mu.Lock()
	a.lastTickTime = time.Now()
	h := a.depthHandler
	a.mu.Unlock()
	if h != nil {
		h(t)
	}
}

// EmitError delivers a stream error to the handler.
func (a *BaseAdapter) EmitError(err error) {
	a.mu.RLock()
	h := a.errorHandler
	a.mu.RUnlock()
	if h != nil {
		h(err)
	}
}

// IsConnected returns the stream connection status.
func (a *BaseAdapter) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

// SetConnected updates the stream connection status.
func (a *BaseAdapter) SetConnected(connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = connected
}

// LastTickTime returns when the stream last produced a tick.
func (a *BaseAdapter) LastTickTime() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastTickTime
}
