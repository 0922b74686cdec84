// Package risk implements the Risk Manager: admission checks and ledger
// bookkeeping under a single mutual-exclusion domain (spec §4.E, §5).
package risk

import (
	"math"
	"sync"
	"time"

	"scalper/internal/metrics"
	"scalper/internal/model"
)

// Reason names why an admission check failed.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDailyLossLimit    Reason = "daily_loss_limit"
	ReasonMaxPositions      Reason = "max_positions"
	ReasonPositionExists    Reason = "position_exists"
	ReasonInsufficientFunds Reason = "insufficient_balance"
	ReasonCircuitBreaker    Reason = "circuit_breaker"
)

// OpenPositionsQuery lets the Risk Manager ask the Position Manager how
// many positions are open and for which symbols without importing it
// directly (spec's components communicate through narrow contracts).
type OpenPositionsQuery interface {
	OpenCount() int
	HasPosition(symbol string) bool
}

// Manager holds the Risk Ledger and circuit breaker state behind one
// mutex, matching spec §5's single mutual-exclusion domain for risk state.
type Manager struct {
	mu sync.Mutex

	ledger       model.Ledger
	maxPositions int
	maxDailyLoss float64

	breaker circuitBreaker
}

// New creates a Manager with a ledger seeded from the exchange balance.
func New(startingBalance float64, maxPositions int, maxDailyLoss float64, now time.Time, cb CircuitBreakerConfig) *Manager {
	return &Manager{
		ledger:       model.NewLedger(startingBalance, now),
		maxPositions: maxPositions,
		maxDailyLoss: maxDailyLoss,
		breaker:      newCircuitBreaker(cb),
	}
}

// CircuitBreakerConfig carries the four threshold values plus recovery
// window the teacher's CircuitBreakerState used, retained as a
// SUPPLEMENTED FEATURE admission gate alongside the spec's required
// checks.
type CircuitBreakerConfig struct {
	VolatilityThreshold float64
	ImbalanceThreshold  float64
	VolumeThreshold     float64
	ErrorRateThreshold  float64
	RecoveryTime        time.Duration
}

type circuitBreaker struct {
	cfg CircuitBreakerConfig

	volatilityTripped bool
	imbalanceTripped  bool
	volumeTripped     bool
	errorRateTripped  bool
	lastTriggered     time.Time
}

func newCircuitBreaker(cfg CircuitBreakerConfig) circuitBreaker {
	return circuitBreaker{cfg: cfg}
}

// UpdateMarketConditions feeds per-tick market conditions into the circuit
// breaker: the volume-weighted std-dev of recent prices, an imbalance ratio,
// and the Signal Engine's volume ratio.
func (m *Manager) UpdateMarketConditions(now time.Time, stdDev, imbalance, volumeRatio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb := &m.breaker

	if stdDev > cb.cfg.VolatilityThreshold {
		cb.volatilityTripped = true
		cb.lastTriggered = now
	} else if now.Sub(cb.lastTriggered) > cb.cfg.RecoveryTime {
		cb.volatilityTripped = false
	}

	if math.Abs(imbalance) > cb.cfg.ImbalanceThreshold {
		cb.imbalanceTripped = true
		cb.lastTriggered = now
	} else if now.Sub(cb.lastTriggered) > cb.cfg.RecoveryTime {
		cb.imbalanceTripped = false
	}

	if volumeRatio > cb.cfg.VolumeThreshold {
		cb.volumeTripped = true
		cb.lastTriggered = now
	} else if now.Sub(cb.lastTriggered) > cb.cfg.RecoveryTime {
		cb.volumeTripped = false
	}
}

// UpdateErrorRate feeds the exchange client's recent order error rate into
// the circuit breaker.
func (m *Manager) UpdateErrorRate(now time.Time, errorRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb := &m.breaker
	if errorRate > cb.cfg.ErrorRateThreshold {
		cb.errorRateTripped = true
		cb.lastTriggered = now
	} else if now.Sub(cb.lastTriggered) > cb.cfg.RecoveryTime {
		cb.errorRateTripped = false
	}
}

func (cb *circuitBreaker) tripped() bool {
	return cb.volatilityTripped || cb.imbalanceTripped || cb.volumeTripped || cb.errorRateTripped
}

// CanOpenPosition runs the spec §4.E admission checks in order, returning
// the first violated reason, or ReasonNone if the position may open.
func (m *Manager) CanOpenPosition(now time.Time, symbol string, positionSizeUSD float64, positions OpenPositionsQuery) Reason {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rolloverLocked(now)

	if m.ledger.DailyPnL < 0 && -m.ledger.DailyPnL >= m.maxDailyLoss {
		return ReasonDailyLossLimit
	}
	if positions.OpenCount() >= m.maxPositions {
		return ReasonMaxPositions
	}
	if positions.HasPosition(symbol) {
		return ReasonPositionExists
	}
	if m.ledger.CurrentBalance < positionSizeUSD {
		return ReasonInsufficientFunds
	}
	if m.breaker.tripped() {
		return ReasonCircuitBreaker
	}
	return ReasonNone
}

// ApplyRealized mutates the ledger at position close (spec §4.E: the
// ledger is only ever mutated here, never at open).
func (m *Manager) ApplyRealized(now time.Time, realizedPnL float64, mtr *metrics.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked(now)
	m.ledger.ApplyRealized(realizedPnL)
	if mtr != nil {
		mtr.PnLTotal.Set(m.ledger.TotalPnL)
		mtr.DailyPnL.Set(m.ledger.DailyPnL)
	}
}

func (m *Manager) rolloverLocked(now time.Time) {
	m.ledger.RolloverIfNewDay(now)
}

// Snapshot returns a copy of the ledger for the Dashboard Broadcaster.
func (m *Manager) Snapshot() model.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger
}

// CircuitBreakerStatus reports each breaker's tripped state, mirroring the
// teacher's GetStatus map for observability.
func (m *Manager) CircuitBreakerStatus() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]bool{
		"volatility": m.breaker.volatilityTripped,
		"imbalance":  m.breaker.imbalanceTripped,
		"volume":     m.breaker.volumeTripped,
		"error_rate": m.breaker.errorRateTripped,
	}
}
