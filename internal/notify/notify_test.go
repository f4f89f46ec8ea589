package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signalengine/internal/strategy"
)

func TestCardPayload_FlattensCardAndTraceID(t *testing.T) {
	card := &strategy.Card{
		Symbol: "BTCUSDT", Strategy: "vol_breakout", Side: strategy.Long,
		Entry: 100, Stop: 98, TTLMinutes: 15, Priority: 70, Confidence: 80,
		CreatedAt: time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC), OIFreshness: strategy.OIFresh,
	}
	p := CardPayload(card, "trace-1")
	assert.Equal(t, "BTCUSDT", p["symbol"])
	assert.Equal(t, "trace-1", p["trace_id"])
	assert.Equal(t, "fresh", p["oi_freshness"])
}

func TestDisabledNotifier_AlwaysOKWithNoExtras(t *testing.T) {
	res, err := (DisabledNotifier{}).SendCard(context.Background(), Payload{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Nil(t, res.HTTPStatus)
	assert.Nil(t, res.MessageID)
	assert.Equal(t, int64(0), res.LatencyMs)
}

func TestDisabledPostback_AlwaysOK(t *testing.T) {
	res, err := (DisabledPostback{}).Send(context.Background(), Payload{})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Nil(t, res.HTTPStatus)
}

func TestWebhookNotifier_SendCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Message-Id", "abc123")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	res, err := n.SendCard(context.Background(), Payload{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.HTTPStatus)
	assert.Equal(t, 200, *res.HTTPStatus)
	require.NotNil(t, res.MessageID)
	assert.Equal(t, "abc123", *res.MessageID)
}

func TestWebhookPostback_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWebhookPostback(srv.URL)
	res, err := p.Send(context.Background(), Payload{"symbol": "BTCUSDT"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.HTTPStatus)
	assert.Equal(t, 500, *res.HTTPStatus)
}
