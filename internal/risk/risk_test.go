package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type stubPositions struct {
	count   int
	symbols map[string]bool
}

func (s stubPositions) OpenCount() int { return s.count }

func (s stubPositions) HasPosition(symbol string) bool { return s.symbols[symbol] }

func quietBreaker() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		VolatilityThreshold: 1e9,
		ImbalanceThreshold:  1e9,
		VolumeThreshold:     1e9,
		ErrorRateThreshold:  1e9,
		RecoveryTime:        time.Minute,
	}
}

func TestCanOpenPosition_AllChecksPass(t *testing.T) {
	m := New(10000, 3, 500, time.Now(), quietBreaker())
	reason := m.CanOpenPosition(time.Now(), "BTCUSDT", 100, stubPositions{})
	assert.Equal(t, ReasonNone, reason)
}

func TestCanOpenPosition_DailyLossHaltIsSignAware(t *testing.T) {
	m := New(10000, 3, 500, time.Now(), quietBreaker())
	now := time.Now()

	// A positive daily P&L of the same magnitude must not trigger the halt.
	m.ApplyRealized(now, 500, nil)
	assert.Equal(t, ReasonNone, m.CanOpenPosition(now, "BTCUSDT", 100, stubPositions{}))

	// Accumulate losses down to exactly -max_daily_loss.
	m.ApplyRealized(now, -1000, nil)
	assert.Equal(t, ReasonDailyLossLimit, m.CanOpenPosition(now, "BTCUSDT", 100, stubPositions{}))
}

func TestCanOpenPosition_MaxPositionsCap(t *testing.T) {
	m := New(10000, 2, 500, time.Now(), quietBreaker())
	reason := m.CanOpenPosition(time.Now(), "BTCUSDT", 100, stubPositions{count: 2})
	assert.Equal(t, ReasonMaxPositions, reason)
}

func TestCanOpenPosition_ExistingPositionForSymbol(t *testing.T) {
	m := New(10000, 3, 500, time.Now(), quietBreaker())
	positions := stubPositions{count: 1, symbols: map[string]bool{"BTCUSDT": true}}
	assert.Equal(t, ReasonPositionExists, m.CanOpenPosition(time.Now(), "BTCUSDT", 100, positions))
	assert.Equal(t, ReasonNone, m.CanOpenPosition(time.Now(), "ETHUSDT", 100, positions))
}

func TestCanOpenPosition_InsufficientBalance(t *testing.T) {
	m := New(50, 3, 500, time.Now(), quietBreaker())
	reason := m.CanOpenPosition(time.Now(), "BTCUSDT", 100, stubPositions{})
	assert.Equal(t, ReasonInsufficientFunds, reason)
}

func TestCanOpenPosition_CircuitBreakerTrips(t *testing.T) {
	cfg := quietBreaker()
	cfg.VolatilityThreshold = 1.0
	m := New(10000, 3, 500, time.Now(), cfg)
	now := time.Now()

	m.UpdateMarketConditions(now, 2.0, 0, 1.0)
	assert.Equal(t, ReasonCircuitBreaker, m.CanOpenPosition(now, "BTCUSDT", 100, stubPositions{}))
	assert.True(t, m.CircuitBreakerStatus()["volatility"])

	// Calm conditions past the recovery window reset the breaker.
	later := now.Add(2 * time.Minute)
	m.UpdateMarketConditions(later, 0.1, 0, 1.0)
	assert.Equal(t, ReasonNone, m.CanOpenPosition(later, "BTCUSDT", 100, stubPositions{}))
}

func TestApplyRealized_LedgerConsistency(t *testing.T) {
	m := New(10000, 3, 500, time.Now(), quietBreaker())
	now := time.Now()

	realized := []float64{12.5, -7.25, 3.0, -1.5}
	var sum float64
	for _, r := range realized {
		m.ApplyRealized(now, r, nil)
		sum += r
	}

	ledger := m.Snapshot()
	assert.InDelta(t, sum, ledger.TotalPnL, 1e-9)
	assert.InDelta(t, ledger.StartingBalance+ledger.TotalPnL, ledger.CurrentBalance, 1e-9)
	assert.Equal(t, len(realized), ledger.TradeCount)
	assert.Equal(t, 2, ledger.WinningTrades)
}

func TestCanOpenPosition_DayRolloverResetsDailyPnL(t *testing.T) {
	start := time.Date(2024, 3, 1, 23, 50, 0, 0, time.UTC)
	m := New(10000, 3, 500, start, quietBreaker())

	m.ApplyRealized(start, -500, nil)
	assert.Equal(t, ReasonDailyLossLimit, m.CanOpenPosition(start, "BTCUSDT", 100, stubPositions{}))

	nextDay := time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC)
	assert.Equal(t, ReasonNone, m.CanOpenPosition(nextDay, "BTCUSDT", 100, stubPositions{}))

	ledger := m.Snapshot()
	assert.Equal(t, 0.0, ledger.DailyPnL)
	assert.InDelta(t, -500, ledger.TotalPnL, 1e-9, "total P&L survives the rollover")
}

func TestUpdateErrorRate_TripsAndRecovers(t *testing.T) {
	cfg := quietBreaker()
	cfg.ErrorRateThreshold = 0.2
	cfg.RecoveryTime = time.Minute
	m := New(10000, 3, 500, time.Now(), cfg)
	now := time.Now()

	m.UpdateErrorRate(now, 0.5)
	assert.True(t, m.CircuitBreakerStatus()["error_rate"])

	m.UpdateErrorRate(now.Add(2*time.Minute), 0.0)
	assert.False(t, m.CircuitBreakerStatus()["error_rate"])
}
