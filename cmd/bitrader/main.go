// Command bitrader runs the scalping engine: it loads configuration, wires
// the Exchange Client, Stream Client, Risk Manager, Position Manager,
// Signal Engine, Trading Loop, and Dashboard Broadcaster together, and
// blocks until an interrupt or terminate signal initiates graceful
// shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"scalper/internal/cfg"
	"scalper/internal/dashboard"
	"scalper/internal/exchange"
	"scalper/internal/metrics"
	"scalper/internal/position"
	"scalper/internal/risk"
	signalengine "scalper/internal/signal"
	"scalper/internal/storage"
	"scalper/internal/trading"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})

	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mtr := metrics.New()

	var store *storage.Store
	if settings.DataPath != "" {
		store, err = storage.New(settings.DataPath)
		if err != nil {
			log.Warn().Err(err).Msg("storage initialization failed, continuing without persistence")
		} else {
			defer store.Close()
		}
	}

	exch := exchange.NewClient(settings.APIKey, settings.APISecret, settings.BaseURL, settings.RESTTimeout, settings.MaxOrderRetries, settings.RecvWindowMs)
	exch.SetRetryHook(func(int) { mtr.OrderRetriesTotal.Inc() })

	if err := exch.SyncServerTime(ctx); err != nil {
		log.Fatal().Err(err).Msg("initial server time sync failed")
	}
	if err := exch.LoadExchangeInfo(ctx, settings.Symbols); err != nil {
		log.Warn().Err(err).Msg("exchange info load failed, falling back to default quantity rounding")
	}

	balance, err := exch.GetBalance(ctx)
	startingBalance := settings.InitialBalance
	if err != nil {
		log.Warn().Err(err).Float64("fallback", startingBalance).Msg("initial balance fetch failed, using configured fallback")
	} else {
		startingBalance = balance.Balance
	}

	riskMgr := risk.New(startingBalance, settings.MaxPositions, settings.MaxDailyLoss, time.Now(), risk.CircuitBreakerConfig{
		VolatilityThreshold: settings.CircuitBreakerVolatility,
		ImbalanceThreshold:  settings.CircuitBreakerImbalance,
		VolumeThreshold:     settings.CircuitBreakerVolume,
		ErrorRateThreshold:  settings.CircuitBreakerErrorRate,
		RecoveryTime:        settings.CircuitBreakerRecovery,
	})

	positions := position.New(exch, settings.StopLossPct, settings.TakeProfitPct, settings.TrailingStopPct, settings.MaxHoldDuration)
	engine := signalengine.New()
	stream := exchange.NewStream(settings.WsURL, settings.Symbols, settings.PingInterval)

	loop := trading.New(trading.Config{
		Symbols:           settings.Symbols,
		PositionSizeUSD:   settings.PositionSizeUSD,
		MinSignalStrength: settings.MinSignalStrength,
		MinSignalInterval: settings.MinSignalInterval,
	}, stream, exch, riskMgr, positions, engine, store, mtr)

	environment := "live"
	if settings.UseTestnet {
		environment = "testnet"
	}
	broadcaster := dashboard.New(settings.DashboardPort, environment, riskMgr, positions, loop)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		broadcaster.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("shutdown complete")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout exceeded, forcing exit")
	}
}
