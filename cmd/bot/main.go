package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/vitos/options_breakout/internal/config"
	"github.com/vitos/options_breakout/internal/domain"
	"github.com/vitos/options_breakout/internal/infrastructure/exchange"
	"github.com/vitos/options_breakout/internal/infrastructure/logger"
	"github.com/vitos/options_breakout/internal/infrastructure/storage"
	"github.com/vitos/options_breakout/internal/usecase"
	"github.com/vitos/options_breakout/internal/web"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Bot exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	start, _ := config.ParseClock(cfg.Trading.StartTime)
	end, _ := config.ParseClock(cfg.Trading.EndTime)
	window := usecase.NewTradingWindow(loc, start, end)

	// 3. Init Storage
	if dir := filepath.Dir(cfg.Storage.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("init sqlite: %w", err)
	}
	if err := seedTickers(ctx, store, cfg.Tickers, log); err != nil {
		return multierr.Append(err, store.Close())
	}

	// 4. Init Broker
	baseURL := cfg.Broker.ResolveBaseURL()
	tokens := exchange.NewTokenManager(exchange.Credentials{
		ClientSecret: cfg.Broker.ClientSecret,
		RefreshToken: cfg.Broker.RefreshToken,
		PaperTrading: cfg.Broker.PaperTrading,
	}, baseURL, &http.Client{Timeout: cfg.Broker.Timeout}, cfg.Broker.TokenMargin, log)

	gateway := exchange.NewGateway(exchange.GatewayConfig{
		BaseURL:       baseURL,
		AccountNumber: cfg.Broker.AccountNumber,
		PaperTrading:  cfg.Broker.PaperTrading,
		DryRun:        cfg.Broker.DryRunOrders,
		Timeout:       cfg.Broker.Timeout,
		RatePerSecond: cfg.Broker.RatePerSecond,
		RateBurst:     cfg.Broker.RateBurst,
	}, tokens, log)

	account, err := gateway.LoadAccount(ctx)
	if err != nil {
		return multierr.Append(fmt.Errorf("load account: %w", err), store.Close())
	}
	log.Info("Broker account loaded",
		zap.String("account", account),
		zap.String("base_url", baseURL),
		zap.Bool("paper", cfg.Broker.PaperTrading),
		zap.Bool("dry_run", cfg.Broker.DryRunOrders))

	// 5. Init Market Data
	cache := usecase.NewQuoteCache()
	var (
		streamer   *exchange.Streamer
		subscriber domain.QuoteSubscriber
		streamStat usecase.StreamStater
		wg         sync.WaitGroup
	)
	if cfg.Streaming.Enabled {
		streamer = exchange.NewStreamer(gateway, cache, exchange.StreamerConfig{
			KeepaliveInterval: cfg.Streaming.KeepaliveInterval,
			KeepaliveTimeout:  cfg.Streaming.KeepaliveTimeout,
			AggregationPeriod: cfg.Streaming.AggregationPeriod,
			HandshakeTimeout:  cfg.Streaming.HandshakeTimeout,
		}, log)
		subscriber = streamer
		streamStat = usecase.StreamStateFunc(func() string { return string(streamer.State()) })

		wg.Add(1)
		go func() {
			defer wg.Done()
			superviseStream(ctx, streamer, cfg.Streaming.ReconnectMin, cfg.Streaming.ReconnectMax, log)
		}()
	} else {
		log.Warn("Streaming disabled, quotes come from REST only")
	}

	// 6. Init Services
	marketData := usecase.NewMarketDataService(cache, subscriber, gateway, cfg.Streaming.SubscribeWait, log)
	selector := usecase.NewOptionSelector(gateway, loc, log)
	signals := usecase.NewSignalEngine(marketData, selector, store, window, cfg.Trading.DTEMin, cfg.Trading.DTEMax, log)
	executor := usecase.NewOrderExecutor(gateway, store, log)
	engine := usecase.NewTradingEngine(store, store, signals, executor, marketData, gateway, window, log)
	stats := usecase.NewStatsService(store, engine, streamStat, window)

	if cfg.Trading.AutoStart {
		engine.Start()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx, cfg.Trading.CycleInterval)
	}()

	// 7. Init Web Server
	server := web.NewServer(cfg.Server.Port, store, store, engine, stats, log)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// 8. Wait for Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		log.Info("Shutting down...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("web server: %w", err)
		}
	}

	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = multierr.Combine(runErr, server.Shutdown(shutdownCtx))
	if streamer != nil {
		err = multierr.Append(err, streamer.Close())
	}
	wg.Wait()
	return multierr.Append(err, store.Close())
}

// seedTickers stores configured tickers that are not yet in the database.
// Existing rows win so edits made through the API survive restarts.
func seedTickers(ctx context.Context, store *storage.SQLiteStore, tickers []domain.TickerConfig, log *zap.Logger) error {
	for i := range tickers {
		t := tickers[i]
		_, err := store.GetTicker(ctx, t.Symbol)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := store.SaveTicker(ctx, &t); err != nil {
			return fmt.Errorf("seed ticker %s: %w", t.Symbol, err)
		}
		log.Info("Seeded ticker from config", zap.String("symbol", t.Symbol))
	}
	return nil
}
