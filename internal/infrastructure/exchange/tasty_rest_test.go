package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

type staticTokens struct{}

func (staticTokens) EnsureValidToken(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "tok", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}, nil
}

func (staticTokens) Invalidate() {}

// countingTokens records how often the gateway drops the session.
type countingTokens struct {
	staticTokens
	invalidated atomic.Int32
}

func (c *countingTokens) Invalidate() { c.invalidated.Add(1) }

func newTestGateway(t *testing.T, handler http.HandlerFunc, cfg GatewayConfig) *Gateway {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	return NewGateway(cfg, staticTokens{}, zap.NewNop())
}

const nestedChain = `{"data":{"items":[{"underlying-symbol":"SPY","expirations":[
 {"expiration-date":"2025-10-17","days-to-expiration":3,"strikes":[
   {"strike-price":"370.0","call":"SPY   251017C00370000","call-streamer-symbol":".SPY251017C370",
    "put":"SPY   251017P00370000","put-streamer-symbol":".SPY251017P370"}]},
 {"expiration-date":"2025-10-15","days-to-expiration":1,"strikes":[
   {"strike-price":"369.5","call":"SPY   251015C00369500","call-streamer-symbol":".SPY251015C369.5",
    "put":"SPY   251015P00369500"},
   {"strike-price":"bogus","call":"X"}]}
]}]}}`

func TestGateway_GetOptionChain(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/option-chains/SPY/nested", r.URL.Path)
		_, _ = w.Write([]byte(nestedChain))
	}, GatewayConfig{})

	chain, err := g.GetOptionChain(context.Background(), "SPY")
	require.NoError(t, err)
	require.Len(t, chain.Expirations, 2)

	first := chain.Expirations[0]
	assert.Equal(t, "2025-10-15", first.Date.Format("2006-01-02"))
	assert.Equal(t, 1, first.DTE)
	require.Len(t, first.Instruments, 2)
	assert.Equal(t, domain.OptionCall, first.Instruments[0].OptionType)
	assert.Equal(t, "369.5", first.Instruments[0].Strike.String())
	// Missing streamer symbol is derived from the contract fields.
	assert.Equal(t, ".SPY251015P369.5", first.Instruments[1].StreamerSymbol)

	second := chain.Expirations[1]
	require.Len(t, second.Instruments, 2)
	assert.Equal(t, "SPY   251017C00370000", second.Instruments[0].Symbol)
	assert.Equal(t, ".SPY251017P370", second.Instruments[1].StreamerSymbol)
}

func TestGateway_GetOptionChainEmpty(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"items":[]}}`))
	}, GatewayConfig{})

	chain, err := g.GetOptionChain(context.Background(), "QQQ")
	require.NoError(t, err)
	assert.Empty(t, chain.Expirations)
}

func TestGateway_GetQuotes(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/market-data/by-type", r.URL.Path)
		assert.Equal(t, "SPY", r.URL.Query().Get("equity"))
		assert.Equal(t, "SPY   251017C00370000", r.URL.Query().Get("equity-option"))
		_, _ = w.Write([]byte(`{"data":{"items":[
			{"symbol":"SPY","bid":"100.1","ask":"100.3","last":100.2,"volume":null},
			{"symbol":"SPY   251017C00370000","bid":"NaN","ask":null,"last":0,"mark":"2.5"}
		]}}`))
	}, GatewayConfig{})

	quotes, err := g.GetQuotes(context.Background(), []string{"SPY", ".SPY251017C370"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)

	assert.InDelta(t, 100.2, quotes["SPY"].Mark(), 1e-9)
	assert.Equal(t, 0.0, quotes["SPY"].DayVolume)

	opt := quotes["SPY   251017C00370000"]
	assert.Equal(t, 0.0, opt.Bid)
	assert.Equal(t, 0.0, opt.Ask)
	assert.InDelta(t, 2.5, opt.Mark(), 1e-9)
}

func TestGateway_GetQuotesEmptyInput(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}, GatewayConfig{})

	quotes, err := g.GetQuotes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGateway_PlaceOrder(t *testing.T) {
	var got map[string]interface{}
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/accounts/5WT00001/orders", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"data":{"order":{"id":12345}}}`))
	}, GatewayConfig{AccountNumber: "5WT00001", DryRun: true})

	id, err := g.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "SPY   251017C00370000", Quantity: 2, Action: domain.ActionBuyToOpen,
	})
	require.NoError(t, err)
	assert.Equal(t, "12345", id)

	assert.Equal(t, "Day", got["time-in-force"])
	assert.Equal(t, "Market", got["order-type"])
	assert.Equal(t, true, got["dry-run"])
	legs := got["legs"].([]interface{})
	require.Len(t, legs, 1)
	leg := legs[0].(map[string]interface{})
	assert.Equal(t, "Equity Option", leg["instrument-type"])
	assert.Equal(t, "2", leg["quantity"])
	assert.Equal(t, "Buy to Open", leg["action"])
}

func TestGateway_PlaceOrderMissingID(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{}}`))
	}
	order := domain.OrderRequest{Symbol: "SPY   251017C00370000", Quantity: 1, Action: domain.ActionBuyToOpen}

	dry := newTestGateway(t, handler, GatewayConfig{AccountNumber: "A1", DryRun: true})
	id, err := dry.PlaceOrder(context.Background(), order)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "DRY_RUN_"))

	live := newTestGateway(t, handler, GatewayConfig{AccountNumber: "A1"})
	_, err = live.PlaceOrder(context.Background(), order)
	assert.ErrorIs(t, err, domain.ErrOrder)
}

func TestGateway_PlaceOrderRejected(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"message":"insufficient buying power"}}`))
	}, GatewayConfig{AccountNumber: "A1"})

	_, err := g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "X", Quantity: 1, Action: domain.ActionBuyToOpen})
	assert.ErrorIs(t, err, domain.ErrOrder)

	_, err = g.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "X", Quantity: 0})
	assert.ErrorIs(t, err, domain.ErrOrder)
}

func TestGateway_LoadAccount(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers/me/accounts", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"items":[{"account":{"account-number":"A1"}},{"account":{"account-number":"A2"}}]}}`))
	}

	g := newTestGateway(t, handler, GatewayConfig{})
	acct, err := g.LoadAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A1", acct)
	assert.Equal(t, "A1", g.AccountNumber())

	g = newTestGateway(t, handler, GatewayConfig{AccountNumber: "A2"})
	acct, err = g.LoadAccount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A2", acct)

	g = newTestGateway(t, handler, GatewayConfig{AccountNumber: "ZZ"})
	_, err = g.LoadAccount(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGateway_PositionsAndBalances(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/A1/positions":
			_, _ = w.Write([]byte(`{"data":{"items":[
				{"symbol":"SPY   251017C00370000","instrument-type":"Equity Option","quantity":"2","average-open-price":"1.5","mark-price":"1.75"},
				{"symbol":"AAPL","instrument-type":"Equity","quantity":"10"}
			]}}`))
		case "/accounts/A1/balances":
			_, _ = w.Write([]byte(`{"data":{"cash-balance":"1000.5","derivative-buying-power":"800","net-liquidating-value":"1200","realized-day-gain-loss":"-12.5"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}, GatewayConfig{AccountNumber: "A1"})

	positions, err := g.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 2.0, positions[0].Quantity)
	assert.Equal(t, 1.75, positions[0].CurrentPrice)

	bal, err := g.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.5, bal.Cash)
	assert.Equal(t, 800.0, bal.BuyingPower)
	assert.Equal(t, 1200.0, bal.Equity)
	assert.Equal(t, -12.5, bal.PnLToday)
}

func TestGateway_GetQuoteToken(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api-quote-tokens", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"token":"qt","dxlink-url":"wss://tasty-openapi-ws.dxfeed.com/realtime","level":"api"}}`))
	}, GatewayConfig{})

	tok, err := g.GetQuoteToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "qt", tok.Token)
	assert.Equal(t, "wss://tasty-openapi-ws.dxfeed.com/realtime", tok.URL)
}

func TestGateway_NotFound(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, GatewayConfig{})

	_, err := g.GetOptionChain(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNum(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"cash-balance":"Infinity","derivative-buying-power":"x","net-liquidating-value":true}}`))
	}, GatewayConfig{AccountNumber: "A1"})

	bal, err := g.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.Balance{}, *bal)
}

func TestGateway_UnauthorizedInvalidatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"token_invalid"}}`))
	}))
	defer srv.Close()

	tokens := &countingTokens{}
	g := NewGateway(GatewayConfig{BaseURL: srv.URL, AccountNumber: "5WX00001"}, tokens, zap.NewNop())

	_, err := g.GetBalances(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.EqualValues(t, 1, tokens.invalidated.Load())
}
