package gate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postOrder(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/order", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerDispatchesOrder(t *testing.T) {
	f := newFixture(t, nil)
	h := Handler(f.router, zerolog.Nop())

	body := fmt.Sprintf(`{"apikey":"key-u1","api_type":"placeorder","payload":%s}`,
		orderPayload(t, nil))
	rec := postOrder(t, h, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.NotEmpty(t, resp.OrderID)
	require.Len(t, f.live.api.placedOrders(), 1)
}

func TestHandlerPropagatesStatus(t *testing.T) {
	f := newFixture(t, nil)
	h := Handler(f.router, zerolog.Nop())

	rec := postOrder(t, h, `{"apikey":"nope","api_type":"placeorder","payload":{}}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_api_key", resp.ErrorCode)
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	f := newFixture(t, nil)
	h := Handler(f.router, zerolog.Nop())

	rec := postOrder(t, h, `{"apikey":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_input", resp.ErrorCode)
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	h := Handler(f.router, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/order", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}
