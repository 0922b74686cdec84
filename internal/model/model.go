// Package model holds the named records shared across the engine: ticks,
// signals, positions, and the risk ledger. Constructors enforce the
// invariants the rest of the engine relies on instead of leaving them to be
// checked ad hoc at each call site.
package model

import (
	"fmt"
	"time"
)

// Side is a position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Direction is a signal direction. It shares Side's vocabulary but is kept
// distinct because a Signal is a decision artifact, not yet a position.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Tick is a single normalized ticker update for one symbol.
type Tick struct {
	Symbol     string
	Price      float64
	Volume     float64
	Bid        float64
	Ask        float64
	Change24h  float64
	Timestamp  time.Time
}

// Validate enforces the Tick invariants from spec §3: positive price,
// nonnegative volume, bid <= ask.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick: empty symbol")
	}
	if t.Price <= 0 {
		return fmt.Errorf("tick: non-positive price %v", t.Price)
	}
	if t.Volume < 0 {
		return fmt.Errorf("tick: negative volume %v", t.Volume)
	}
	if t.Bid > t.Ask {
		return fmt.Errorf("tick: bid %v > ask %v", t.Bid, t.Ask)
	}
	return nil
}

// Signal is a decision artifact produced by the Signal Engine.
type Signal struct {
	Symbol    string
	Direction Direction
	Strength  float64
	Reasoning []string
	Timestamp time.Time
}

// ExitReason names why a Position was closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "stop_loss"
	ExitTakeProfit ExitReason = "take_profit"
	ExitMaxHold    ExitReason = "max_hold"
	ExitEmergency  ExitReason = "emergency"
)

// Position is an open exposure in a single symbol.
type Position struct {
	Symbol          string
	Side            Side
	EntryPrice      float64
	Quantity        float64
	OpenedAt        time.Time
	CurrentPrice    float64
	UnrealizedPnL   float64
	StopLossPrice   float64
	TakeProfitPrice float64
	MaxHoldDeadline time.Time

	// TrailingStopPrice, when nonzero, tightens StopLossPrice in the
	// position's favor after entry. It never loosens the original stop and
	// is evaluated as part of the same stop-loss check, never ahead of it.
	TrailingStopPrice float64
}

// NewPosition derives stop-loss/take-profit prices from entry per the
// invariants in spec §3 and returns a Position ready for the Position
// Manager to track.
func NewPosition(symbol string, side Side, entry, qty float64, now time.Time, stopPct, takeProfitPct float64, maxHold time.Duration) (Position, error) {
	if entry <= 0 {
		return Position{}, fmt.Errorf("position: non-positive entry price %v", entry)
	}
	if qty <= 0 {
		return Position{}, fmt.Errorf("position: non-positive quantity %v", qty)
	}
	if stopPct <= 0 || takeProfitPct <= 0 {
		return Position{}, fmt.Errorf("position: stop/take-profit percentages must be positive")
	}

	p := Position{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      entry,
		Quantity:        qty,
		OpenedAt:        now,
		CurrentPrice:    entry,
		MaxHoldDeadline: now.Add(maxHold),
	}

	switch side {
	case Long:
		p.StopLossPrice = entry * (1 - stopPct)
		p.TakeProfitPrice = entry * (1 + takeProfitPct)
	case Short:
		p.StopLossPrice = entry * (1 + stopPct)
		p.TakeProfitPrice = entry * (1 - takeProfitPct)
	default:
		return Position{}, fmt.Errorf("position: unknown side %q", side)
	}
	return p, nil
}

// MarkPrice updates CurrentPrice and recomputes UnrealizedPnL.
func (p *Position) MarkPrice(price float64) {
	p.CurrentPrice = price
	switch p.Side {
	case Long:
		p.UnrealizedPnL = (price - p.EntryPrice) * p.Quantity
	case Short:
		p.UnrealizedPnL = (p.EntryPrice - price) * p.Quantity
	}
}

// RealizedPnL computes the realized P&L at the given exit price, per
// property 1 (P&L identity): LONG (exit-entry)*qty, SHORT the negation.
func (p *Position) RealizedPnL(exitPrice float64) float64 {
	switch p.Side {
	case Short:
		return (p.EntryPrice - exitPrice) * p.Quantity
	default:
		return (exitPrice - p.EntryPrice) * p.Quantity
	}
}

// AdvanceTrailingStop ratchets TrailingStopPrice toward the current mark at
// the given fractional distance. It only ever moves in the position's
// favor; falling back toward entry leaves the high-water stop in place.
func (p *Position) AdvanceTrailingStop(pct float64) {
	switch p.Side {
	case Long:
		candidate := p.CurrentPrice * (1 - pct)
		if candidate > p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
	case Short:
		candidate := p.CurrentPrice * (1 + pct)
		if p.TrailingStopPrice == 0 || candidate < p.TrailingStopPrice {
			p.TrailingStopPrice = candidate
		}
	}
}

// EffectiveStopLoss returns the tightened trailing stop if one has been set
// favorably, otherwise the original fixed stop.
func (p *Position) EffectiveStopLoss() float64 {
	if p.TrailingStopPrice == 0 {
		return p.StopLossPrice
	}
	switch p.Side {
	case Long:
		if p.TrailingStopPrice > p.StopLossPrice {
			return p.TrailingStopPrice
		}
	case Short:
		if p.TrailingStopPrice < p.StopLossPrice {
			return p.TrailingStopPrice
		}
	}
	return p.StopLossPrice
}

// Ledger is the Risk Ledger: starting/current balance and realized P&L
// bookkeeping. Mutations happen only at position close (spec §4.E).
type Ledger struct {
	StartingBalance float64
	CurrentBalance  float64
	DailyPnL        float64
	TotalPnL        float64
	TradeCount      int
	WinningTrades   int
	DayAnchor       time.Time // UTC midnight of the tracked day
}

// NewLedger creates a ledger anchored to the UTC day of `now`.
func NewLedger(startingBalance float64, now time.Time) Ledger {
	return Ledger{
		StartingBalance: startingBalance,
		CurrentBalance:  startingBalance,
		DayAnchor:       utcMidnight(now),
	}
}

func utcMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// RolloverIfNewDay resets DailyPnL and advances DayAnchor when `now`'s UTC
// date differs from the current anchor (spec §4.E day rollover).
func (l *Ledger) RolloverIfNewDay(now time.Time) {
	today := utcMidnight(now)
	if today.After(l.DayAnchor) {
		l.DailyPnL = 0
		l.DayAnchor = today
	}
}

// ApplyRealized mutates the ledger at position close: balance, daily and
// total P&L, trade/win counters (spec §4.E ledger mutations).
func (l *Ledger) ApplyRealized(realizedPnL float64) {
	l.CurrentBalance += realizedPnL
	l.DailyPnL += realizedPnL
	l.TotalPnL += realizedPnL
	l.TradeCount++
	if realizedPnL > 0 {
		l.WinningTrades++
	}
}

// WinRate returns the fraction of winning trades, 0 if none have closed.
func (l *Ledger) WinRate() float64 {
	if l.TradeCount == 0 {
		return 0
	}
	return float64(l.WinningTrades) / float64(l.TradeCount)
}
