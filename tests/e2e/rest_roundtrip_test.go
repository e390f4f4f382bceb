package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
	"virtual_exchange/internal/config"
	"virtual_exchange/internal/exchange"
	"virtual_exchange/internal/restapi"
	phttp "virtual_exchange/pkg/http"
	"virtual_exchange/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSignedRESTRoundTrip drives the REST surface end to end through the
// resilient HTTP client: account query, order placement, and open-order
// listing, all HMAC-signed.
func TestSignedRESTRoundTrip(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Archive.Path = ""
	cfg.Server.RateLimit = 0
	ve, err := exchange.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { ve.Close() })
	require.NoError(t, ve.Clock.SetBacktestTime(1_700_000_000_000))

	apiKey, err := ve.RegisterUser("alice")
	require.NoError(t, err)
	require.NoError(t, ve.Deposit("alice", "USDT", d("100000")))

	srv := restapi.NewServer(ve, cfg, nil, logger)
	t.Cleanup(srv.WS().CloseAll)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := phttp.NewClient(ts.URL, 5*time.Second, phttp.NewHMACSigner(apiKey))
	ctx := context.Background()
	stamp := func() string { return fmt.Sprint(ve.Clock.NowMs()) }

	body, err := client.Get(ctx, "/api/v3/account", map[string]string{"timestamp": stamp()})
	require.NoError(t, err)
	var account struct {
		CanTrade bool `json:"canTrade"`
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	require.NoError(t, json.Unmarshal(body, &account))
	assert.True(t, account.CanTrade)
	require.Len(t, account.Balances, 1)
	assert.Equal(t, "USDT", account.Balances[0].Asset)
	assert.Equal(t, "100000.00000000", account.Balances[0].Free)

	body, err = client.PostForm(ctx, "/api/v3/order", map[string]string{
		"symbol":      symbol,
		"side":        "BUY",
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"price":       "48000",
		"quantity":    "0.5",
		"timestamp":   stamp(),
	})
	require.NoError(t, err)
	var placed struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
		Symbol  string `json:"symbol"`
	}
	require.NoError(t, json.Unmarshal(body, &placed))
	assert.Equal(t, "NEW", placed.Status)
	assert.Equal(t, symbol, placed.Symbol)
	require.NotZero(t, placed.OrderID)

	body, err = client.Get(ctx, "/api/v3/openOrders", map[string]string{
		"symbol":    symbol,
		"timestamp": stamp(),
	})
	require.NoError(t, err)
	var open []struct {
		OrderID int64  `json:"orderId"`
		Price   string `json:"price"`
	}
	require.NoError(t, json.Unmarshal(body, &open))
	require.Len(t, open, 1)
	assert.Equal(t, placed.OrderID, open[0].OrderID)
	assert.Equal(t, "48000.00000000", open[0].Price)

	body, err = client.Delete(ctx, "/api/v3/order", map[string]string{
		"symbol":    symbol,
		"orderId":   fmt.Sprint(placed.OrderID),
		"timestamp": stamp(),
	})
	require.NoError(t, err)
	var canceled struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &canceled))
	assert.Equal(t, "CANCELED", canceled.Status)
}
