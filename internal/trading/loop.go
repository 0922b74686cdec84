// Package trading binds the Stream Client, Symbol State, Signal Engine,
// Risk Manager, Position Manager, and Exchange Client into the per-tick
// pipeline and periodic sweep the spec calls the Trading Loop (spec §4.G,
// §5). Grounded on the teacher's goroutine wiring in cmd/bitrader/main.go
// (buffered channel handlers, sync.WaitGroup, signal-channel shutdown with
// a bounded force-exit wait), generalized from Bitunix's multi-channel
// trade/depth fan-in to the spec's single per-symbol tick pipeline.
package trading

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"scalper/internal/exchange"
	"scalper/internal/features"
	"scalper/internal/metrics"
	"scalper/internal/model"
	"scalper/internal/position"
	"scalper/internal/risk"
	"scalper/internal/signal"
	"scalper/internal/storage"
	"scalper/internal/symbolstate"
)

const (
	sweepInterval     = 2 * time.Second
	shutdownCloseWait = 5 * time.Second
	signalHistoryCap  = 500
	// ladderStep is the fractional reduction applied to a symbol's
	// position-size ladder on each LOT_SIZE/MIN_NOTIONAL rejection (spec
	// §7 "reduces its position size ladder for that symbol until
	// restart"). The ladder never recovers before process restart.
	ladderStep    = 0.5
	ladderMinimum = 0.1
	// orderErrorWindow is how many recent order outcomes the rolling
	// failure rate fed into the risk manager's error-rate breaker spans.
	orderErrorWindow = 20
)

// Exchange is the subset of the Exchange Client the Trading Loop needs to
// size and place an order (spec §4.A/§4.G).
type Exchange interface {
	RoundQuantity(symbol string, qty float64) float64
	PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) exchange.OrderResult
}

// Config carries the subset of cfg.Settings the Trading Loop needs,
// decoupled from the cfg package so it can be unit-tested with literal
// values.
type Config struct {
	Symbols           []string
	PositionSizeUSD   float64
	MinSignalStrength float64
	MinSignalInterval time.Duration
}

// Loop owns per-symbol state and composes every core component on each
// tick and on a fixed 2s sweep cadence.
type Loop struct {
	cfg Config

	stream    *exchange.Stream
	exch      Exchange
	riskMgr   *risk.Manager
	positions *position.Manager
	engine    *signal.Engine
	store     *storage.Store
	mtr       *metrics.Metrics

	states map[string]*symbolstate.State
	vwaps  map[string]*features.VWAP
	ticks  map[string]*features.TickImb

	// admitMu serializes the admission-check-then-open critical section and
	// the sweep's close-and-realize pass so the Risk Ledger and the
	// positions map are mutated together under one mutual-exclusion domain,
	// per spec §5.
	admitMu sync.Mutex

	historyMu sync.Mutex
	history   []model.Signal

	lastSignalMu sync.Mutex
	lastSignalAt map[string]time.Time

	ladderMu sync.Mutex
	ladder   map[string]float64

	orderOutcomesMu sync.Mutex
	orderOutcomes   []bool // true marks a failed order, newest last

	connected  atomic.Bool
	generation atomic.Uint64
	malformed  atomic.Uint64
	reconnects atomic.Uint64
	startedAt  time.Time
	admitting  atomic.Bool
}

// New builds a Loop for the given symbols. Per-symbol state is created up
// front and never destroyed during the run (spec §3 Symbol State
// lifecycle).
func New(cfg Config, stream *exchange.Stream, exch Exchange, riskMgr *risk.Manager, positions *position.Manager, engine *signal.Engine, store *storage.Store, mtr *metrics.Metrics) *Loop {
	l := &Loop{
		cfg:          cfg,
		stream:       stream,
		exch:         exch,
		riskMgr:      riskMgr,
		positions:    positions,
		engine:       engine,
		store:        store,
		mtr:          mtr,
		states:       make(map[string]*symbolstate.State, len(cfg.Symbols)),
		vwaps:        make(map[string]*features.VWAP, len(cfg.Symbols)),
		ticks:        make(map[string]*features.TickImb, len(cfg.Symbols)),
		lastSignalAt: make(map[string]time.Time, len(cfg.Symbols)),
		ladder:       make(map[string]float64, len(cfg.Symbols)),
		startedAt:    time.Now(),
	}
	for _, sym := range cfg.Symbols {
		l.states[sym] = symbolstate.New(sym)
		l.vwaps[sym] = features.NewVWAP(time.Minute, 64)
		l.ticks[sym] = features.NewTickImb(20)
		l.ladder[sym] = 1.0
	}
	l.admitting.Store(true)
	return l
}

// Run starts the stream and sweep loop and blocks until ctx is cancelled,
// at which point it runs the shutdown sequence (spec §5 cancellation):
// stop admitting, emergency-close all positions, wait up to 5s, return.
func (l *Loop) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.stream.Run(ctx, exchange.StreamHandlers{
			OnTick:       l.handleTick,
			OnReconnect:  l.handleReconnect,
			OnDisconnect: l.handleDisconnect,
			OnMalformed:  l.handleMalformed,
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.sweepLoop(ctx)
	}()

	<-ctx.Done()
	l.shutdown()
	wg.Wait()
}

func (l *Loop) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	start := time.Now()
	l.admitMu.Lock()
	results := l.positions.Sweep(ctx, start)
	l.applyCloseResults(start, results)
	l.admitMu.Unlock()
	l.positions.UpdateMetrics(l.mtr)
	if l.mtr != nil {
		l.mtr.SweepDuration.Observe(time.Since(start).Seconds())
	}
}

// applyCloseResults realizes each successful close into the ledger and the
// optional trade-history store. Shared by the periodic sweep and the
// shutdown path so emergency closes settle the books the same way (spec §7:
// after a shutdown-time close the ledger reflects the last marked P&L).
func (l *Loop) applyCloseResults(now time.Time, results []position.CloseResult) {
	for _, r := range results {
		l.recordOrderOutcome(now, r.Failed)
		if r.Failed {
			continue
		}
		l.riskMgr.ApplyRealized(now, r.RealizedPnL, l.mtr)
		if l.mtr != nil {
			l.mtr.OrdersTotal.WithLabelValues(r.Position.Symbol, "closed").Inc()
		}
		if l.store != nil {
			_ = l.store.StoreClosedTrade(storage.ClosedTrade{
				Symbol:      r.Position.Symbol,
				Side:        r.Position.Side,
				EntryPrice:  r.Position.EntryPrice,
				ExitPrice:   r.ExitPrice,
				Quantity:    r.Position.Quantity,
				RealizedPnL: r.RealizedPnL,
				OpenedAt:    r.Position.OpenedAt,
				ClosedAt:    now,
				Reason:      r.Reason,
			})
		}
	}
}

// shutdown runs the spec §5 cancellation sequence: stop admitting new
// signals, issue emergency closes for every open position, and wait up to
// 5s for them to settle.
func (l *Loop) shutdown() {
	l.admitting.Store(false)
	log.Info().Msg("trading: shutting down, closing all positions")

	done := make(chan struct{})
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownCloseWait)
	defer cancel()
	go func() {
		results := l.positions.CloseAll(closeCtx)
		l.applyCloseResults(time.Now(), results)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownCloseWait):
		log.Warn().Msg("trading: shutdown close wait exceeded, proceeding")
	}
}

func (l *Loop) handleReconnect(gen uint64) {
	l.connected.Store(true)
	l.generation.Store(gen)
	if l.mtr != nil {
		l.mtr.WSConnectionGeneration.Set(float64(gen))
	}
	log.Info().Uint64("generation", gen).Msg("trading: stream connected")
}

func (l *Loop) handleDisconnect(err error) {
	l.connected.Store(false)
	l.reconnects.Add(1)
	if l.mtr != nil {
		l.mtr.WSReconnectsTotal.Inc()
	}
	log.Warn().Err(err).Msg("trading: stream disconnected, admission paused")
}

func (l *Loop) handleMalformed(raw []byte, err error) {
	l.malformed.Add(1)
	if l.mtr != nil {
		l.mtr.WSMalformedTotal.Inc()
	}
}

// handleTick is the per-tick pipeline of spec §4.G: state update, position
// mark, signal emission, admission, order placement, position open. It
// runs on the single goroutine reading the stream socket, which trivially
// serializes tick processing (spec §5: "exactly one task owns the stream
// socket").
func (l *Loop) handleTick(tick model.Tick) {
	if l.mtr != nil {
		l.mtr.TicksTotal.WithLabelValues(tick.Symbol).Inc()
	}

	state, ok := l.states[tick.Symbol]
	if !ok {
		return
	}
	prevPrice := state.Compute().LastPrice

	state.Update(tick)
	l.positions.OnTick(tick)

	vwap := l.vwaps[tick.Symbol]
	vwap.Add(tick.Price, tick.Volume)
	_, stdDev := vwap.Calc()
	imb := features.DepthImb(tick.Bid, tick.Ask)

	tickImb := l.ticks[tick.Symbol]
	switch {
	case prevPrice == 0:
	case tick.Price > prevPrice:
		tickImb.Add(1)
	case tick.Price < prevPrice:
		tickImb.Add(-1)
	default:
		tickImb.Add(0)
	}
	// Blend order-book depth imbalance with recent tick-direction pressure
	// so the breaker trips on sustained one-sided flow, not a single
	// lopsided book snapshot.
	blendedImb := (imb + tickImb.Ratio()) / 2

	feat := state.Compute()
	l.riskMgr.UpdateMarketConditions(tick.Timestamp, stdDev, blendedImb, feat.VolumeRatio)

	sig, ok := l.engine.Score(tick.Symbol, feat, tick.Change24h, tick.Timestamp)
	if !ok {
		return
	}
	if sig.Strength < l.cfg.MinSignalStrength {
		return
	}
	if !l.coolDownElapsed(tick.Symbol, tick.Timestamp) {
		return
	}
	l.markSignalled(tick.Symbol, tick.Timestamp)
	l.recordSignal(sig)
	if l.mtr != nil {
		l.mtr.SignalsTotal.WithLabelValues(tick.Symbol, string(sig.Direction)).Inc()
	}

	if !l.connected.Load() || !l.admitting.Load() {
		return
	}

	l.tryOpen(tick, sig)
}

func (l *Loop) coolDownElapsed(symbol string, now time.Time) bool {
	l.lastSignalMu.Lock()
	defer l.lastSignalMu.Unlock()
	last, ok := l.lastSignalAt[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) >= l.cfg.MinSignalInterval
}

func (l *Loop) markSignalled(symbol string, now time.Time) {
	l.lastSignalMu.Lock()
	defer l.lastSignalMu.Unlock()
	l.lastSignalAt[symbol] = now
}

func (l *Loop) recordSignal(sig model.Signal) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()
	l.history = append(l.history, sig)
	if len(l.history) > signalHistoryCap {
		l.history = l.history[len(l.history)-signalHistoryCap:]
	}
}

// RecentSignals returns up to the last n recorded signals, most recent
// last, for the Dashboard Broadcaster (spec §4.H, K=20).
func (l *Loop) RecentSignals(n int) []model.Signal {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()
	if n > len(l.history) {
		n = len(l.history)
	}
	out := make([]model.Signal, n)
	copy(out, l.history[len(l.history)-n:])
	return out
}

// tryOpen runs admission and order placement under admitMu, the single
// mutual-exclusion domain spanning the Risk Ledger and the positions map
// (spec §5): the Position Manager sweep goroutine closes positions
// concurrently with this check, so the two must not interleave.
func (l *Loop) tryOpen(tick model.Tick, sig model.Signal) {
	l.admitMu.Lock()
	defer l.admitMu.Unlock()

	reason := l.riskMgr.CanOpenPosition(tick.Timestamp, tick.Symbol, l.cfg.PositionSizeUSD, l.positions)
	if reason != risk.ReasonNone {
		if l.mtr != nil {
			l.mtr.SignalsRejectedTotal.WithLabelValues(string(reason)).Inc()
		}
		return
	}

	notional := l.cfg.PositionSizeUSD * l.ladderMultiplier(tick.Symbol)
	qty := l.exch.RoundQuantity(tick.Symbol, notional/tick.Price)
	if qty <= 0 {
		return
	}

	side := exchange.SideBuy
	posSide := model.Long
	if sig.Direction == model.Sell {
		side = exchange.SideSell
		posSide = model.Short
	}

	result := l.exch.PlaceMarketOrder(context.Background(), exchange.OrderRequest{
		Symbol:   tick.Symbol,
		Side:     side,
		Quantity: qty,
	})
	if l.mtr != nil {
		l.mtr.OrdersTotal.WithLabelValues(tick.Symbol, string(result.Outcome)).Inc()
	}
	l.recordOrderOutcome(tick.Timestamp, result.Outcome == exchange.OutcomeFailed)

	switch result.Outcome {
	case exchange.OutcomeFilled:
		entry := tick.Price
		if result.FillPrice > 0 {
			entry = result.FillPrice
		}
		filled := qty
		if result.FillQuantity > 0 {
			filled = result.FillQuantity
		}
		if _, err := l.positions.Open(tick.Symbol, posSide, entry, filled, tick.Timestamp); err != nil {
			log.Error().Err(err).Str("symbol", tick.Symbol).Msg("trading: failed to open position after fill")
		}
	case exchange.OutcomeSkipped:
		log.Info().Str("symbol", tick.Symbol).Msg("trading: order skipped by exchange filter, signal dropped")
	case exchange.OutcomeFailed:
		if isFilterViolation(result.Err) {
			l.reduceLadder(tick.Symbol)
		}
		if l.mtr != nil {
			l.mtr.OrderFailuresTotal.WithLabelValues(classifyFailure(result.Err)).Inc()
		}
	}
}

func isFilterViolation(err error) bool {
	return errors.Is(err, exchange.ErrFilterRejected)
}

func classifyFailure(err error) string {
	if err == nil {
		return "unknown"
	}
	if isFilterViolation(err) {
		return "filter_rejected"
	}
	return "other"
}

// recordOrderOutcome folds an order result into the rolling failure window
// and feeds the resulting rate to the risk manager's error-rate breaker,
// the same way UpdateMarketConditions feeds the volatility, imbalance, and
// volume breakers on every tick.
func (l *Loop) recordOrderOutcome(now time.Time, failed bool) {
	l.orderOutcomesMu.Lock()
	l.orderOutcomes = append(l.orderOutcomes, failed)
	if len(l.orderOutcomes) > orderErrorWindow {
		l.orderOutcomes = l.orderOutcomes[len(l.orderOutcomes)-orderErrorWindow:]
	}
	var failures int
	for _, f := range l.orderOutcomes {
		if f {
			failures++
		}
	}
	rate := float64(failures) / float64(len(l.orderOutcomes))
	l.orderOutcomesMu.Unlock()

	l.riskMgr.UpdateErrorRate(now, rate)
}

func (l *Loop) ladderMultiplier(symbol string) float64 {
	l.ladderMu.Lock()
	defer l.ladderMu.Unlock()
	m, ok := l.ladder[symbol]
	if !ok {
		return 1.0
	}
	return m
}

// reduceLadder halves symbol's position-size multiplier on a LOT_SIZE or
// MIN_NOTIONAL rejection (spec §7), down to a floor so sizing never goes
// to zero. The reduction persists until process restart.
func (l *Loop) reduceLadder(symbol string) {
	l.ladderMu.Lock()
	defer l.ladderMu.Unlock()
	m := l.ladder[symbol] * ladderStep
	if m < ladderMinimum {
		m = ladderMinimum
	}
	l.ladder[symbol] = m
	log.Warn().Str("symbol", symbol).Float64("multiplier", m).Msg("trading: reduced position-size ladder after filter rejection")
}

// Connected reports whether the stream is currently connected.
func (l *Loop) Connected() bool { return l.connected.Load() }

// Generation returns the current stream connection generation.
func (l *Loop) Generation() uint64 { return l.generation.Load() }

// Uptime returns how long the loop has been running.
func (l *Loop) Uptime() time.Duration { return time.Since(l.startedAt) }

// MalformedCount returns the total malformed stream messages discarded.
func (l *Loop) MalformedCount() uint64 { return l.malformed.Load() }

// ReconnectCount returns the total number of stream reconnects observed.
func (l *Loop) ReconnectCount() uint64 { return l.reconnects.Load() }
