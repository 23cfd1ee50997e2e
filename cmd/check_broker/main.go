package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/options_breakout/internal/config"
	"github.com/vitos/options_breakout/internal/domain"
	"github.com/vitos/options_breakout/internal/infrastructure/exchange"
	"github.com/vitos/options_breakout/internal/usecase"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "SPY", "underlying to resolve ATM contracts for")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	baseURL := cfg.Broker.ResolveBaseURL()
	fmt.Printf("Testing broker interaction...\n")
	fmt.Printf("Endpoint: %s (paper=%v)\n", baseURL, cfg.Broker.PaperTrading)

	log := zap.NewNop()
	tokens := exchange.NewTokenManager(exchange.Credentials{
		ClientSecret: cfg.Broker.ClientSecret,
		RefreshToken: cfg.Broker.RefreshToken,
		PaperTrading: cfg.Broker.PaperTrading,
	}, baseURL, nil, cfg.Broker.TokenMargin, log)
	gateway := exchange.NewGateway(exchange.GatewayConfig{
		BaseURL:       baseURL,
		AccountNumber: cfg.Broker.AccountNumber,
		PaperTrading:  cfg.Broker.PaperTrading,
		DryRun:        true,
		Timeout:       cfg.Broker.Timeout,
	}, tokens, log)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// 2. Auth
	token, err := tokens.EnsureValidToken(ctx)
	if err != nil {
		fmt.Printf("❌ Auth failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Session valid until %s\n", token.Expiry.Format(time.RFC3339))

	// 3. Account
	account, err := gateway.LoadAccount(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to load account: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Account: %s\n", account)

	// 4. Balances
	if bal, err := gateway.GetBalances(ctx); err != nil {
		fmt.Printf("❌ Failed to get balances: %v\n", err)
	} else {
		fmt.Printf("✅ Cash: %.2f, Buying power: %.2f, Equity: %.2f\n", bal.Cash, bal.BuyingPower, bal.Equity)
	}

	// 5. Positions
	if positions, err := gateway.GetPositions(ctx); err != nil {
		fmt.Printf("❌ Failed to get positions: %v\n", err)
	} else {
		fmt.Printf("✅ Option positions: %d\n", len(positions))
		for _, p := range positions {
			fmt.Printf("   - %s qty=%.0f avg=%.2f pnl=%.2f\n", p.Symbol, p.Quantity, p.AveragePrice, p.PnL)
		}
	}

	// 6. Streaming token
	if qt, err := gateway.GetQuoteToken(ctx); err != nil {
		fmt.Printf("❌ Failed to get quote token: %v\n", err)
	} else {
		fmt.Printf("✅ Quote token issued for %s (level %s)\n", qt.URL, qt.Level)
	}

	// 7. ATM contracts
	quotes, err := gateway.GetQuotes(ctx, []string{*symbol})
	if err != nil {
		fmt.Printf("❌ Failed to quote %s: %v\n", *symbol, err)
		os.Exit(1)
	}
	q, ok := quotes[*symbol]
	if !ok || !q.HasPrice() {
		fmt.Printf("⚠️ No price for %s\n", *symbol)
		os.Exit(1)
	}
	price := q.Mark()
	fmt.Printf("✅ %s mark: %.2f\n", *symbol, price)

	loc, err := cfg.Location()
	if err != nil {
		fmt.Printf("❌ Bad timezone: %v\n", err)
		os.Exit(1)
	}
	selector := usecase.NewOptionSelector(gateway, loc, log)
	for _, ot := range []domain.OptionType{domain.OptionCall, domain.OptionPut} {
		inst, ok := selector.FindAtTheMoney(ctx, *symbol, ot, price, cfg.Trading.DTEMin, cfg.Trading.DTEMax)
		if !ok {
			fmt.Printf("⚠️ No ATM %s within DTE [%d, %d]\n", ot, cfg.Trading.DTEMin, cfg.Trading.DTEMax)
			continue
		}
		fmt.Printf("✅ ATM %s: %s strike=%s exp=%s streamer=%s\n",
			ot, inst.Symbol, inst.Strike.String(), inst.ExpirationDate(), inst.StreamerSymbol)
	}
}
