// Package position implements the Position Manager: open positions,
// mark-to-market on tick arrival, and periodic exit-condition sweeps
// (spec §4.F, §8 properties 1/3/7).
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scalper/internal/exchange"
	"scalper/internal/metrics"
	"scalper/internal/model"
)

// Exchange is the subset of the Exchange Client the Position Manager needs
// to close a position (spec §4.F close: opposite side at current quantity).
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) exchange.OrderResult
}

// CloseResult reports the outcome of a close, whether spec-requested by a
// sweep or emergency shutdown.
type CloseResult struct {
	Position    model.Position
	Reason      model.ExitReason
	ExitPrice   float64
	RealizedPnL float64
	Failed      bool
}

// Manager holds every open position behind one mutex (spec §5: "the Risk
// Ledger and positions map must be guarded by one mutual-exclusion
// domain" — the Trading Loop additionally wraps admission+open in its own
// critical section to keep risk and position state consistent together).
type Manager struct {
	mu        sync.Mutex
	positions map[string]*model.Position

	// closing marks symbols with a close order in flight so the periodic
	// sweep and a shutdown-time CloseAll cannot both settle the same
	// position.
	closing map[string]bool

	stopLossPct   float64
	takeProfitPct float64

	// trailingStopPct, when positive, ratchets each position's stop toward
	// the mark on every tick. Zero disables trailing and leaves the fixed
	// entry-derived stop in force.
	trailingStopPct float64

	maxHold time.Duration

	exchange Exchange
}

// New creates an empty Position Manager.
func New(exch Exchange, stopLossPct, takeProfitPct, trailingStopPct float64, maxHold time.Duration) *Manager {
	return &Manager{
		positions:       make(map[string]*model.Position),
		closing:         make(map[string]bool),
		stopLossPct:     stopLossPct,
		takeProfitPct:   takeProfitPct,
		trailingStopPct: trailingStopPct,
		maxHold:         maxHold,
		exchange:        exch,
	}
}

// OpenCount returns the number of currently open positions (risk.OpenPositionsQuery).
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.positions)
}

// HasPosition reports whether symbol already has an open position
// (risk.OpenPositionsQuery; spec §3 "a symbol has at most one open
// Position").
func (m *Manager) HasPosition(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.positions[symbol]
	return ok
}

// Open creates a Position for symbol. The caller (Trading Loop) is
// responsible for having obtained Risk Manager admission first; opening a
// second position for an already-open symbol is a programmer error (spec
// §7 "local invariant violation... fatal").
func (m *Manager) Open(symbol string, side model.Side, entryPrice, qty float64, now time.Time) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.positions[symbol]; exists {
		panic(fmt.Sprintf("position: attempted to open second position for %s (no pyramiding)", symbol))
	}

	p, err := model.NewPosition(symbol, side, entryPrice, qty, now, m.stopLossPct, m.takeProfitPct, m.maxHold)
	if err != nil {
		return model.Position{}, err
	}
	m.positions[symbol] = &p
	return p, nil
}

// OnTick updates the mark and unrealized P&L of the position for
// tick.Symbol, if one is open, and advances its trailing stop when trailing
// is enabled. Constant-time per tick (spec §4.F).
func (m *Manager) OnTick(tick model.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[tick.Symbol]
	if !ok {
		return
	}
	p.MarkPrice(tick.Price)
	if m.trailingStopPct > 0 {
		p.AdvanceTrailingStop(m.trailingStopPct)
	}
}

// exitCheck evaluates a single position's exit conditions in spec priority
// order: stop-loss, take-profit, max-hold. Emergency is requested
// out-of-band via CloseAll, not discovered here.
func exitCheck(p *model.Position, now time.Time) (model.ExitReason, bool) {
	stop := p.EffectiveStopLoss()
	switch p.Side {
	case model.Long:
		if p.CurrentPrice <= stop {
			return model.ExitStopLoss, true
		}
		if p.CurrentPrice >= p.TakeProfitPrice {
			return model.ExitTakeProfit, true
		}
	case model.Short:
		if p.CurrentPrice >= stop {
			return model.ExitStopLoss, true
		}
		if p.CurrentPrice <= p.TakeProfitPrice {
			return model.ExitTakeProfit, true
		}
	}
	if !now.Before(p.MaxHoldDeadline) {
		return model.ExitMaxHold, true
	}
	return "", false
}

// Sweep evaluates every open position against the exit conditions and
// closes whichever qualify, in priority order (spec §4.F sweep). Intended
// to run every 2s regardless of tick arrival.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []CloseResult {
	m.mu.Lock()
	due := make([]string, 0)
	reasons := make(map[string]model.ExitReason)
	for symbol, p := range m.positions {
		if reason, ok := exitCheck(p, now); ok {
			due = append(due, symbol)
			reasons[symbol] = reason
		}
	}
	m.mu.Unlock()

	results := make([]CloseResult, 0, len(due))
	for _, symbol := range due {
		results = append(results, m.Close(ctx, symbol, reasons[symbol]))
	}
	return results
}

// Close requests an exchange close of symbol's position at its current
// mark. On success the position is removed and the realized P&L is
// computed from the exchange fill price when available, otherwise from the
// last mark (spec §4.F close). On exchange failure: an emergency close
// force-deletes local state regardless; any other reason leaves the
// position in place to retry on the next sweep.
func (m *Manager) Close(ctx context.Context, symbol string, reason model.ExitReason) CloseResult {
	m.mu.Lock()
	p, ok := m.positions[symbol]
	if !ok || m.closing[symbol] {
		m.mu.Unlock()
		return CloseResult{Failed: true}
	}
	m.closing[symbol] = true
	snapshot := *p
	m.mu.Unlock()

	closeSide := exchange.SideSell
	if snapshot.Side == model.Short {
		closeSide = exchange.SideBuy
	}

	result := m.exchange.PlaceMarketOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     closeSide,
		Quantity: snapshot.Quantity,
	})

	exitPrice := snapshot.CurrentPrice
	ok2 := result.Outcome == exchange.OutcomeFilled
	if ok2 && result.FillPrice > 0 {
		exitPrice = result.FillPrice
	}

	if !ok2 && reason != model.ExitEmergency {
		m.mu.Lock()
		delete(m.closing, symbol)
		m.mu.Unlock()
		log.Warn().Str("symbol", symbol).Str("reason", string(reason)).Msg("position: close failed, retrying next sweep")
		return CloseResult{Position: snapshot, Reason: reason, Failed: true}
	}
	if !ok2 {
		log.Error().Str("symbol", symbol).Msg("position: emergency close failed at exchange, force-deleting local state")
	}

	realized := snapshot.RealizedPnL(exitPrice)

	m.mu.Lock()
	delete(m.positions, symbol)
	delete(m.closing, symbol)
	m.mu.Unlock()

	return CloseResult{
		Position:    snapshot,
		Reason:      reason,
		ExitPrice:   exitPrice,
		RealizedPnL: realized,
		Failed:      false,
	}
}

// CloseAll requests an emergency close of every open position, used during
// shutdown (spec §5 cancellation sequence).
func (m *Manager) CloseAll(ctx context.Context) []CloseResult {
	m.mu.Lock()
	symbols := make([]string, 0, len(m.positions))
	for s := range m.positions {
		symbols = append(symbols, s)
	}
	m.mu.Unlock()

	results := make([]CloseResult, 0, len(symbols))
	for _, s := range symbols {
		results = append(results, m.Close(ctx, s, model.ExitEmergency))
	}
	return results
}

// Snapshot returns a copy of every open position for the Dashboard
// Broadcaster (spec §4.H), keyed by symbol.
func (m *Manager) Snapshot() map[string]model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Position, len(m.positions))
	for s, p := range m.positions {
		out[s] = *p
	}
	return out
}

// UpdateMetrics publishes the current open-position count.
func (m *Manager) UpdateMetrics(mtr *metrics.Metrics) {
	if mtr == nil {
		return
	}
	m.mu.Lock()
	n := len(m.positions)
	m.mu.Unlock()
	mtr.PositionsOpen.Set(float64(n))
}
