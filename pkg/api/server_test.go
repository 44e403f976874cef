package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/perp/pkg/perp"
)

func newTestServer(t *testing.T) (*Server, *perp.Engine, *perp.PushOracle) {
	t.Helper()

	level, _ := log.ToLevel("error")
	logger := log.NewTestLogger(level)

	oracle := perp.NewPushOracle("keeper")
	require.NoError(t, oracle.SetPrice("keeper", "BTC", big.NewInt(1000*1e8)))

	vault := perp.NewLiquidityVault()
	_, err := vault.Deposit("lp", new(big.Int).Mul(big.NewInt(100000), big.NewInt(1e8)))
	require.NoError(t, err)

	engine := perp.NewEngine(perp.DefaultConfig("owner"), oracle, perp.StaticFeeCalculator{}, vault, logger)
	reserve := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	require.NoError(t, engine.AddProduct("owner", &perp.Product{
		ID: "btc-perp", Token: "BTC", MaxLeverage: big.NewInt(50 * 1e8),
		LiquidationThreshold: 5000, LiquidationBounty: 500, MinPriceChange: 100,
		Weight: 100, Reserve: reserve, IsActive: true,
	}))
	engine.Accounts().Credit("alice", new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e8)))

	return NewServer(engine, oracle, logger), engine, oracle
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestProductsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/products")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var products []ProductView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&products))
	require.Len(t, products, 1)
	require.Equal(t, "btc-perp", products[0].ID)
	require.True(t, products[0].MaxLeverage.Equal(decimal.NewFromInt(50)))
}

func TestOpenCloseFlow(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/positions/open", openRequest{
		Sender:    "alice",
		ProductID: "btc-perp",
		Margin:    decimal.NewFromInt(1),
		IsLong:    true,
		Leverage:  decimal.NewFromInt(10),
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pos PositionView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pos))
	require.Equal(t, "alice", pos.Owner)
	require.True(t, pos.Margin.Equal(decimal.NewFromInt(1)))
	require.True(t, pos.Leverage.Equal(decimal.NewFromInt(10)))

	listResp, err := http.Get(ts.URL + "/v1/positions?owner=alice")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var list []PositionView
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list, 1)

	closeResp := postJSON(t, ts, "/v1/positions/close", closeRequest{
		Sender:     "alice",
		PositionID: pos.ID,
		Margin:     decimal.NewFromInt(1),
	})
	defer closeResp.Body.Close()
	require.Equal(t, http.StatusOK, closeResp.StatusCode)

	var closure ClosureView
	require.NoError(t, json.NewDecoder(closeResp.Body).Decode(&closure))
	require.True(t, closure.FullClose)
	require.False(t, closure.WasLiquidated)
}

func TestErrorStatusMapping(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/positions/open", openRequest{
		Sender:    "alice",
		ProductID: "nope",
		Margin:    decimal.NewFromInt(1),
		IsLong:    true,
		Leverage:  decimal.NewFromInt(2),
	})
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, ts, "/v1/liquidate", liquidateRequest{
		Liquidator:  "rando",
		PositionIDs: []string{"x"},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/v1/positions?id=missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketFeed(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, 20*time.Millisecond)

	ts := httptest.NewServer(s.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The welcome frame and the first mark snapshots race; accept them in
	// any order.
	var mark Message
	seenConnected := false
	for !seenConnected || mark.Type != "mark" {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case "connected":
			seenConnected = true
		case "mark":
			mark = msg
		}
	}
	data, err := json.Marshal(mark.Data)
	require.NoError(t, err)
	var snap MarkSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, "btc-perp", snap.ProductID)
	require.True(t, snap.OraclePrice.Equal(decimal.NewFromInt(1000)))
}
