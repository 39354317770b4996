package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"tradegate/internal/config"
)

func TestNewServersBindsStreamingEndpoint(t *testing.T) {
	cfg := &config.Config{
		HTTPPort:      5000,
		WebSocketHost: "127.0.0.1",
		WebSocketPort: 8765,
	}
	api := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})

	apiSrv, wsSrv := newServers(cfg, api, ws)

	assert.Equal(t, ":5000", apiSrv.Addr)
	assert.Equal(t, "127.0.0.1:8765", wsSrv.Addr)

	rec := httptest.NewRecorder()
	wsSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)

	// Order traffic has no home on the streaming listener.
	rec = httptest.NewRecorder()
	wsSrv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/order", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
