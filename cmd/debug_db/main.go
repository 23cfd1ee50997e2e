package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vitos/options_breakout/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "data/trading_bot.db", "path to the SQLite database")
	day := flag.String("day", "", "open-price day (YYYY-MM-DD, default today in New York)")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	tickers, err := store.ListTickers(ctx)
	if err != nil {
		fmt.Printf("Failed to list tickers: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d tickers:\n", len(tickers))
	for _, t := range tickers {
		fmt.Printf("- %s enabled=%v threshold=%.2f%% max=%d capital=%.2f\n",
			t.Symbol, t.Enabled, t.Threshold, t.MaxPositions, t.CapitalPerTrade)
	}

	positions, err := store.ListOpenPositions(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to list positions: %v\n", err)
	} else {
		fmt.Printf("\nOpen positions: %d\n", len(positions))
		for _, p := range positions {
			fmt.Printf("- #%d %s %s x%d entry=%.2f current=%.2f pnl=%.2f\n",
				p.ID, p.Ticker, p.Symbol, p.Quantity, p.EntryPrice, p.CurrentPrice, p.PnL)
		}
	}

	if *day == "" {
		loc, err := time.LoadLocation("America/New_York")
		if err != nil {
			loc = time.UTC
		}
		*day = time.Now().In(loc).Format("2006-01-02")
	}
	records, err := store.ListOpenPrices(ctx, *day)
	if err != nil {
		fmt.Printf("❌ Failed to list open prices: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nOpen prices for %s: %d\n", *day, len(records))
	for _, r := range records {
		fmt.Printf("- %s %s %s open=%.2f (at %s) current=%.2f high=%.2f low=%.2f\n",
			r.Ticker, r.OptionType, r.Symbol, r.OpenPrice, r.IntervalTime, r.CurrentPrice, r.HighPrice, r.LowPrice)
	}
}
