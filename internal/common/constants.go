// Package common holds environment variable names, defaults, and shared
// error strings used by configuration loading across the engine.
package common

// Default trading symbol used when none is configured.
const DefaultSymbol = "BTCUSDT"

// Environment variable keys (spec configuration surface, §6).
const (
	EnvAPIKey            = "API_KEY"
	EnvAPISecret         = "API_SECRET"
	EnvUseTestnet        = "USE_TESTNET"
	EnvSymbols           = "SYMBOLS"
	EnvPositionSizeUSD   = "POSITION_SIZE_USD"
	EnvMaxPositions      = "MAX_POSITIONS"
	EnvMaxDailyLoss      = "MAX_DAILY_LOSS"
	EnvStopLossPct       = "STOP_LOSS_PCT"
	EnvTakeProfitPct     = "TAKE_PROFIT_PCT"
	EnvMaxHoldSeconds    = "MAX_HOLD_SECONDS"
	EnvMinSignalStrength = "MIN_SIGNAL_STRENGTH"
	EnvMinSignalInterval = "MIN_SIGNAL_INTERVAL"
	EnvDashboardPort     = "DASHBOARD_PORT"

	// Ambient / domain-stack additions not named in spec §6 but carried
	// from the teacher's configuration surface.
	EnvTrailingStopPct          = "TRAILING_STOP_PCT"
	EnvBaseURL                  = "BASE_URL"
	EnvWsURL                    = "WS_URL"
	EnvDataPath                 = "DATA_PATH"
	EnvRESTTimeout              = "REST_TIMEOUT"
	EnvPingInterval             = "PING_INTERVAL"
	EnvRecvWindow               = "RECV_WINDOW_MS"
	EnvInitialBalance           = "INITIAL_BALANCE"
	EnvCircuitBreakerVolatility = "CIRCUIT_BREAKER_VOLATILITY"
	EnvCircuitBreakerImbalance  = "CIRCUIT_BREAKER_IMBALANCE"
	EnvCircuitBreakerVolume     = "CIRCUIT_BREAKER_VOLUME"
	EnvCircuitBreakerErrorRate  = "CIRCUIT_BREAKER_ERROR_RATE"
	EnvCircuitBreakerRecovery   = "CIRCUIT_BREAKER_RECOVERY"
	EnvMaxOrderRetries          = "MAX_ORDER_RETRIES"
)

// Defaults. Where spec.md §3 names a default it is used verbatim; ambient
// additions carry the teacher's sensible-default idiom.
const (
	DefaultBaseURLLive = "https://fapi.binance.com"
	DefaultBaseURLTest = "https://testnet.binancefuture.com"
	DefaultWsURLLive   = "wss://fstream.binance.com"
	DefaultWsURLTest   = "wss://stream.binancefuture.com"

	DefaultStopLossPct       = 0.002
	DefaultTakeProfitPct     = 0.006
	DefaultTrailingStopPct   = 0.0 // trailing disabled unless configured
	DefaultMaxHoldSeconds    = 300
	DefaultMinSignalStrength = 0.55
	DefaultMinSignalInterval = 10
	DefaultDashboardPort     = 8080
	DefaultRESTTimeout       = "10s"
	DefaultPingInterval      = "20s"
	DefaultRecvWindowMs      = 5000
	DefaultInitialBalance    = 10000.0

	DefaultCircuitBreakerVolatility = 2.0
	DefaultCircuitBreakerImbalance  = 0.8
	DefaultCircuitBreakerVolume     = 5.0
	DefaultCircuitBreakerErrorRate  = 0.2
	DefaultCircuitBreakerRecovery   = "5m"
	DefaultMaxOrderRetries          = 3
)

// Error messages shared by configuration validation.
const (
	ErrMsgAPIKeyRequired  = "API_KEY and API_SECRET are required"
	ErrMsgSymbolsRequired = "at least one trading symbol is required (SYMBOLS)"
)

// Validation bounds for configuration values.
const (
	MinDashboardPort  = 1024
	MaxDashboardPort  = 65535
	MaxSignalStrength = 1.0
)
