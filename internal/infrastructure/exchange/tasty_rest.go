package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	TastyCertURL = "https://api.cert.tastyworks.com"
	TastyProdURL = "https://api.tastyworks.com"
)

// TokenSource yields a valid bearer session. Invalidate drops the cached
// session after the API rejects it.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
}

type GatewayConfig struct {
	BaseURL       string
	AccountNumber string
	PaperTrading  bool
	DryRun        bool
	Timeout       time.Duration
	RatePerSecond float64
	RateBurst     int
}

// Gateway is the authenticated REST facade over the broker API.
type Gateway struct {
	cfg     GatewayConfig
	tokens  TokenSource
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger

	mu            sync.RWMutex
	accountNumber string
}

func NewGateway(cfg GatewayConfig, tokens TokenSource, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Gateway{
		cfg:           cfg,
		tokens:        tokens,
		client:        &http.Client{Timeout: cfg.Timeout},
		limiter:       rate.NewLimiter(limit, burst),
		logger:        logger,
		accountNumber: cfg.AccountNumber,
	}
}

// AccountNumber returns the account used for account-scoped calls.
func (g *Gateway) AccountNumber() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.accountNumber
}

// --- Transport ---

func (g *Gateway) sendRequest(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", domain.ErrTransport, err)
	}

	tok, err := g.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonBody)
	}

	u := g.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrTransport, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		g.tokens.Invalidate()
		g.logger.Warn("Session rejected, token invalidated", zap.String("path", path))
		return nil, fmt.Errorf("%w: %s %s rejected: %s", domain.ErrAuth, method, path, string(respBody))
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s %s", domain.ErrNotFound, method, path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("API error %d on %s %s: %s", resp.StatusCode, method, path, string(respBody))
	}

	return respBody, nil
}

func (g *Gateway) accountPath(suffix string) (string, error) {
	acct := g.AccountNumber()
	if acct == "" {
		return "", fmt.Errorf("%w: account number not loaded", domain.ErrNotFound)
	}
	return "/accounts/" + url.PathEscape(acct) + suffix, nil
}

// --- Account ---

// LoadAccount resolves the account used for trading: the configured account
// number when set, else the first account on the login.
func (g *Gateway) LoadAccount(ctx context.Context) (string, error) {
	resp, err := g.sendRequest(ctx, http.MethodGet, "/customers/me/accounts", nil, nil)
	if err != nil {
		return "", err
	}

	var available []string
	gjson.GetBytes(resp, "data.items").ForEach(func(_, item gjson.Result) bool {
		if n := item.Get("account.account-number").String(); n != "" {
			available = append(available, n)
		}
		return true
	})
	if len(available) == 0 {
		return "", fmt.Errorf("%w: no accounts on login", domain.ErrNotFound)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.accountNumber == "" {
		g.accountNumber = available[0]
		g.logger.Info("No account specified, using first account", zap.String("account", g.accountNumber))
		return g.accountNumber, nil
	}
	for _, n := range available {
		if n == g.accountNumber {
			g.logger.Info("Account loaded", zap.String("account", n))
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: account %s not found (available: %s)", domain.ErrNotFound, g.accountNumber, strings.Join(available, ","))
}

// --- Market data ---

// GetOptionChain fetches the nested chain for symbol. Expirations are
// returned in ascending date order; instruments keep chain order with the
// call before the put of each strike.
func (g *Gateway) GetOptionChain(ctx context.Context, symbol string) (*domain.OptionChain, error) {
	resp, err := g.sendRequest(ctx, http.MethodGet, "/option-chains/"+url.PathEscape(symbol)+"/nested", nil, nil)
	if err != nil {
		return nil, err
	}

	byDate := make(map[string]*domain.OptionExpiration)
	gjson.GetBytes(resp, "data.items").ForEach(func(_, item gjson.Result) bool {
		item.Get("expirations").ForEach(func(_, exp gjson.Result) bool {
			dateStr := exp.Get("expiration-date").String()
			date, err := time.Parse("2006-01-02", dateStr)
			if err != nil {
				g.logger.Warn("Skipping expiration with bad date", zap.String("symbol", symbol), zap.String("date", dateStr))
				return true
			}

			e, ok := byDate[dateStr]
			if !ok {
				e = &domain.OptionExpiration{Date: date, DTE: -1}
				byDate[dateStr] = e
			}
			if dte := exp.Get("days-to-expiration"); dte.Exists() {
				e.DTE = int(dte.Int())
			}

			exp.Get("strikes").ForEach(func(_, s gjson.Result) bool {
				strike, err := decimal.NewFromString(s.Get("strike-price").String())
				if err != nil {
					g.logger.Warn("Skipping strike with bad price", zap.String("symbol", symbol), zap.String("raw", s.Raw))
					return true
				}
				legs := []struct {
					t              domain.OptionType
					symbol, stream string
				}{
					{domain.OptionCall, s.Get("call").String(), s.Get("call-streamer-symbol").String()},
					{domain.OptionPut, s.Get("put").String(), s.Get("put-streamer-symbol").String()},
				}
				for _, leg := range legs {
					if leg.symbol == "" {
						continue
					}
					if leg.stream == "" {
						leg.stream = domain.StreamerSymbol(symbol, date, leg.t, strike)
					}
					e.Instruments = append(e.Instruments, domain.Instrument{
						Underlying:     strings.ToUpper(symbol),
						OptionType:     leg.t,
						Strike:         strike,
						Expiration:     date,
						Symbol:         leg.symbol,
						StreamerSymbol: leg.stream,
					})
				}
				return true
			})
			return true
		})
		return true
	})

	chain := &domain.OptionChain{Underlying: strings.ToUpper(symbol)}
	for _, e := range byDate {
		if len(e.Instruments) > 0 {
			chain.Expirations = append(chain.Expirations, *e)
		}
	}
	sort.Slice(chain.Expirations, func(i, j int) bool {
		return chain.Expirations[i].Date.Before(chain.Expirations[j].Date)
	})

	if len(chain.Expirations) == 0 {
		g.logger.Warn("Empty option chain", zap.String("symbol", symbol))
	}
	return chain, nil
}

// categorizeSymbols splits symbols into equity and equity-option lists.
// Dotted streamer option symbols are converted to the OCC form.
func categorizeSymbols(symbols []string) (equities, options []string) {
	for _, s := range symbols {
		if !domain.IsOptionSymbol(s) {
			equities = append(equities, s)
			continue
		}
		if strings.HasPrefix(s, ".") {
			if occ, err := domain.StreamerToOCC(s); err == nil {
				s = occ
			} else {
				s = strings.TrimPrefix(s, ".")
			}
		}
		options = append(options, s)
	}
	return equities, options
}

// GetQuotes fetches one-shot quotes keyed by the symbol the broker returns
// (OCC form for options).
func (g *Gateway) GetQuotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	result := make(map[string]domain.Quote)
	if len(symbols) == 0 {
		return result, nil
	}

	equities, options := categorizeSymbols(symbols)
	query := url.Values{}
	if len(equities) > 0 {
		query.Set("equity", strings.Join(equities, ","))
	}
	if len(options) > 0 {
		query.Set("equity-option", strings.Join(options, ","))
	}

	resp, err := g.sendRequest(ctx, http.MethodGet, "/market-data/by-type", query, nil)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	gjson.GetBytes(resp, "data.items").ForEach(func(_, item gjson.Result) bool {
		symbol := item.Get("symbol").String()
		if symbol == "" {
			return true
		}
		q := domain.Quote{
			Symbol:    symbol,
			Bid:       num(item.Get("bid")),
			Ask:       num(item.Get("ask")),
			Last:      num(item.Get("last")),
			BidSize:   num(item.Get("bid-size")),
			AskSize:   num(item.Get("ask-size")),
			DayVolume: num(item.Get("volume")),
			UpdatedAt: now,
		}
		// Only the broker's mark is present: carry it as last so Mark() uses it.
		if !q.HasPrice() {
			q.Last = num(item.Get("mark"))
		}
		result[symbol] = q
		return true
	})
	return result, nil
}

// GetQuoteToken fetches the streaming token and endpoint.
func (g *Gateway) GetQuoteToken(ctx context.Context) (*domain.StreamerToken, error) {
	resp, err := g.sendRequest(ctx, http.MethodGet, "/api-quote-tokens", nil, nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(resp, "data")
	tok := &domain.StreamerToken{
		Token: data.Get("token").String(),
		URL:   data.Get("dxlink-url").String(),
		Level: data.Get("level").String(),
	}
	if tok.Token == "" || tok.URL == "" {
		return nil, fmt.Errorf("%w: quote token response missing token or dxlink-url", domain.ErrData)
	}
	return tok, nil
}

// --- Orders & account state ---

// PlaceOrder submits a single-leg order and returns the broker order id.
func (g *Gateway) PlaceOrder(ctx context.Context, order domain.OrderRequest) (string, error) {
	if order.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", domain.ErrOrder, order.Quantity)
	}
	if order.Type == "" {
		order.Type = domain.OrderMarket
	}
	if order.Type == domain.OrderLimit && order.LimitPrice <= 0 {
		return "", fmt.Errorf("%w: limit order requires a positive price", domain.ErrOrder)
	}

	path, err := g.accountPath("/orders")
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{
		"time-in-force": "Day",
		"order-type":    string(order.Type),
		"legs": []map[string]interface{}{{
			"instrument-type": "Equity Option",
			"symbol":          order.Symbol,
			"quantity":        strconv.Itoa(order.Quantity),
			"action":          string(order.Action),
		}},
	}
	if order.Type == domain.OrderLimit {
		payload["price"] = strconv.FormatFloat(order.LimitPrice, 'f', 2, 64)
	}
	if g.cfg.DryRun {
		payload["dry-run"] = true
	}

	env := "LIVE"
	if g.cfg.PaperTrading {
		env = "PAPER"
	}
	g.logger.Info("Placing order",
		zap.String("env", env),
		zap.Bool("dry_run", g.cfg.DryRun),
		zap.String("action", string(order.Action)),
		zap.Int("quantity", order.Quantity),
		zap.String("symbol", order.Symbol),
	)

	resp, err := g.sendRequest(ctx, http.MethodPost, path, nil, payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrOrder, err)
	}

	id := gjson.GetBytes(resp, "data.order.id").String()
	if id == "" {
		id = gjson.GetBytes(resp, "data.id").String()
	}
	if id == "" {
		if !g.cfg.DryRun {
			return "", fmt.Errorf("%w: order response missing id", domain.ErrOrder)
		}
		id = "DRY_RUN_" + uuid.NewString()
		g.logger.Warn("Dry-run order response missing id, using fallback", zap.String("order_id", id))
	}
	return id, nil
}

// GetPositions returns the account's equity option positions.
func (g *Gateway) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	path, err := g.accountPath("/positions")
	if err != nil {
		return nil, err
	}
	resp, err := g.sendRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var positions []domain.BrokerPosition
	gjson.GetBytes(resp, "data.items").ForEach(func(_, p gjson.Result) bool {
		if p.Get("instrument-type").String() != "Equity Option" {
			return true
		}
		positions = append(positions, domain.BrokerPosition{
			Symbol:       p.Get("symbol").String(),
			Quantity:     num(p.Get("quantity")),
			AveragePrice: num(p.Get("average-open-price")),
			CurrentPrice: num(p.Get("mark-price")),
			PnL:          num(p.Get("realized-day-gain-loss")),
		})
		return true
	})
	return positions, nil
}

// GetBalances returns the account balance snapshot.
func (g *Gateway) GetBalances(ctx context.Context) (*domain.Balance, error) {
	path, err := g.accountPath("/balances")
	if err != nil {
		return nil, err
	}
	resp, err := g.sendRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(resp, "data")
	return &domain.Balance{
		Cash:        num(data.Get("cash-balance")),
		BuyingPower: num(data.Get("derivative-buying-power")),
		Equity:      num(data.Get("net-liquidating-value")),
		PnLToday:    num(data.Get("realized-day-gain-loss")),
	}, nil
}
