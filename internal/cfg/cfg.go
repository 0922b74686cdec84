// Package cfg loads engine configuration from an optional YAML file and
// from environment variables, with environment variables always winning.
// This mirrors the teacher's two-path Load design: a ConfigFile shape for
// the YAML document and a set of getXFromEnvOrConfig helpers that check the
// environment first and fall back to whatever the YAML parsed.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"scalper/internal/common"
)

// Settings is the fully resolved configuration surface (spec §3, §6).
type Settings struct {
	APIKey     string
	APISecret  string
	UseTestnet bool
	BaseURL    string
	WsURL      string

	Symbols []string

	PositionSizeUSD   float64
	MaxPositions      int
	MaxDailyLoss      float64
	StopLossPct       float64
	TakeProfitPct     float64
	TrailingStopPct   float64
	MaxHoldDuration   time.Duration
	MinSignalStrength float64
	MinSignalInterval time.Duration

	DashboardPort int

	// Ambient / domain-stack additions.
	DataPath       string
	RESTTimeout    time.Duration
	PingInterval   time.Duration
	RecvWindowMs   int64
	InitialBalance float64

	CircuitBreakerVolatility float64
	CircuitBreakerImbalance  float64
	CircuitBreakerVolume     float64
	CircuitBreakerErrorRate  float64
	CircuitBreakerRecovery   time.Duration
	MaxOrderRetries          int
}

// ConfigFile is the optional YAML document shape pointed to by CONFIG_FILE.
type ConfigFile struct {
	APIKey     string   `yaml:"api_key"`
	APISecret  string   `yaml:"api_secret"`
	UseTestnet *bool    `yaml:"use_testnet"`
	BaseURL    string   `yaml:"base_url"`
	WsURL      string   `yaml:"ws_url"`
	Symbols    []string `yaml:"symbols"`

	PositionSizeUSD   *float64 `yaml:"position_size_usd"`
	MaxPositions      *int     `yaml:"max_positions"`
	MaxDailyLoss      *float64 `yaml:"max_daily_loss"`
	StopLossPct       *float64 `yaml:"stop_loss_pct"`
	TakeProfitPct     *float64 `yaml:"take_profit_pct"`
	TrailingStopPct   *float64 `yaml:"trailing_stop_pct"`
	MaxHoldSeconds    *int     `yaml:"max_hold_seconds"`
	MinSignalStrength *float64 `yaml:"min_signal_strength"`
	MinSignalInterval *int     `yaml:"min_signal_interval"`
	DashboardPort     *int     `yaml:"dashboard_port"`

	DataPath       string   `yaml:"data_path"`
	RESTTimeout    string   `yaml:"rest_timeout"`
	PingInterval   string   `yaml:"ping_interval"`
	RecvWindowMs   *int64   `yaml:"recv_window_ms"`
	InitialBalance *float64 `yaml:"initial_balance"`

	CircuitBreakerVolatility *float64 `yaml:"circuit_breaker_volatility"`
	CircuitBreakerImbalance  *float64 `yaml:"circuit_breaker_imbalance"`
	CircuitBreakerVolume     *float64 `yaml:"circuit_breaker_volume"`
	CircuitBreakerErrorRate  *float64 `yaml:"circuit_breaker_error_rate"`
	CircuitBreakerRecovery   string   `yaml:"circuit_breaker_recovery"`
	MaxOrderRetries          *int     `yaml:"max_order_retries"`
}

// Load resolves Settings from an optional .env file, an optional
// CONFIG_FILE YAML document, and the environment — environment variables
// always take precedence over the YAML document.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("cfg: could not load .env file")
	}

	var file ConfigFile
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := loadFromYAML(path)
		if err != nil {
			return nil, fmt.Errorf("cfg: loading CONFIG_FILE %q: %w", path, err)
		}
		file = *loaded
	}

	s := loadFromEnv(file)
	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func loadFromYAML(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	return &cf, nil
}

func loadFromEnv(file ConfigFile) *Settings {
	s := &Settings{
		APIKey:     getStringFromEnvOrConfig(common.EnvAPIKey, file.APIKey),
		APISecret:  getStringFromEnvOrConfig(common.EnvAPISecret, file.APISecret),
		UseTestnet: getBoolFromEnvOrConfig(common.EnvUseTestnet, file.UseTestnet, false),
		BaseURL:    getStringFromEnvOrConfig(common.EnvBaseURL, file.BaseURL),
		WsURL:      getStringFromEnvOrConfig(common.EnvWsURL, file.WsURL),

		Symbols: getSymbolsFromEnvOrConfig(file.Symbols),

		PositionSizeUSD:   getFloatFromEnvOrConfig(common.EnvPositionSizeUSD, file.PositionSizeUSD, 0),
		MaxPositions:      getIntFromEnvOrConfig(common.EnvMaxPositions, file.MaxPositions, 1),
		MaxDailyLoss:      getFloatFromEnvOrConfig(common.EnvMaxDailyLoss, file.MaxDailyLoss, 0),
		StopLossPct:       getFloatFromEnvOrConfig(common.EnvStopLossPct, file.StopLossPct, common.DefaultStopLossPct),
		TakeProfitPct:     getFloatFromEnvOrConfig(common.EnvTakeProfitPct, file.TakeProfitPct, common.DefaultTakeProfitPct),
		TrailingStopPct:   getFloatFromEnvOrConfig(common.EnvTrailingStopPct, file.TrailingStopPct, common.DefaultTrailingStopPct),
		MaxHoldDuration:   time.Duration(getIntFromEnvOrConfig(common.EnvMaxHoldSeconds, file.MaxHoldSeconds, common.DefaultMaxHoldSeconds)) * time.Second,
		MinSignalStrength: getFloatFromEnvOrConfig(common.EnvMinSignalStrength, file.MinSignalStrength, common.DefaultMinSignalStrength),
		MinSignalInterval: time.Duration(getIntFromEnvOrConfig(common.EnvMinSignalInterval, file.MinSignalInterval, common.DefaultMinSignalInterval)) * time.Second,

		DashboardPort: getIntFromEnvOrConfig(common.EnvDashboardPort, file.DashboardPort, common.DefaultDashboardPort),

		DataPath:       getStringFromEnvOrConfig(common.EnvDataPath, file.DataPath),
		RESTTimeout:    getDurationFromEnvOrConfig(common.EnvRESTTimeout, file.RESTTimeout, common.DefaultRESTTimeout),
		PingInterval:   getDurationFromEnvOrConfig(common.EnvPingInterval, file.PingInterval, common.DefaultPingInterval),
		RecvWindowMs:   getInt64FromEnvOrConfig(common.EnvRecvWindow, file.RecvWindowMs, common.DefaultRecvWindowMs),
		InitialBalance: getFloatFromEnvOrConfig(common.EnvInitialBalance, file.InitialBalance, common.DefaultInitialBalance),

		CircuitBreakerVolatility: getFloatFromEnvOrConfig(common.EnvCircuitBreakerVolatility, file.CircuitBreakerVolatility, common.DefaultCircuitBreakerVolatility),
		CircuitBreakerImbalance:  getFloatFromEnvOrConfig(common.EnvCircuitBreakerImbalance, file.CircuitBreakerImbalance, common.DefaultCircuitBreakerImbalance),
		CircuitBreakerVolume:     getFloatFromEnvOrConfig(common.EnvCircuitBreakerVolume, file.CircuitBreakerVolume, common.DefaultCircuitBreakerVolume),
		CircuitBreakerErrorRate:  getFloatFromEnvOrConfig(common.EnvCircuitBreakerErrorRate, file.CircuitBreakerErrorRate, common.DefaultCircuitBreakerErrorRate),
		CircuitBreakerRecovery:   getDurationFromEnvOrConfig(common.EnvCircuitBreakerRecovery, file.CircuitBreakerRecovery, common.DefaultCircuitBreakerRecovery),
		MaxOrderRetries:          getIntFromEnvOrConfig(common.EnvMaxOrderRetries, file.MaxOrderRetries, common.DefaultMaxOrderRetries),
	}

	if s.BaseURL == "" {
		if s.UseTestnet {
			s.BaseURL = common.DefaultBaseURLTest
		} else {
			s.BaseURL = common.DefaultBaseURLLive
		}
	}
	if s.WsURL == "" {
		if s.UseTestnet {
			s.WsURL = common.DefaultWsURLTest
		} else {
			s.WsURL = common.DefaultWsURLLive
		}
	}
	if len(s.Symbols) == 0 {
		s.Symbols = []string{common.DefaultSymbol}
	}
	return s
}

func validate(s *Settings) error {
	if s.APIKey == "" || s.APISecret == "" {
		return fmt.Errorf("cfg: %s", common.ErrMsgAPIKeyRequired)
	}
	if len(s.Symbols) == 0 {
		return fmt.Errorf("cfg: %s", common.ErrMsgSymbolsRequired)
	}
	if s.PositionSizeUSD <= 0 {
		return fmt.Errorf("cfg: POSITION_SIZE_USD must be positive")
	}
	if s.MaxPositions < 1 {
		return fmt.Errorf("cfg: MAX_POSITIONS must be at least 1")
	}
	if s.StopLossPct <= 0 || s.StopLossPct >= 1 {
		return fmt.Errorf("cfg: STOP_LOSS_PCT must be in (0, 1)")
	}
	if s.TakeProfitPct <= 0 {
		return fmt.Errorf("cfg: TAKE_PROFIT_PCT must be positive")
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct >= 1 {
		return fmt.Errorf("cfg: TRAILING_STOP_PCT must be in [0, 1)")
	}
	if s.MinSignalStrength < 0 || s.MinSignalStrength > common.MaxSignalStrength {
		return fmt.Errorf("cfg: MIN_SIGNAL_STRENGTH must be in [0, %v]", common.MaxSignalStrength)
	}
	if s.DashboardPort < common.MinDashboardPort || s.DashboardPort > common.MaxDashboardPort {
		return fmt.Errorf("cfg: DASHBOARD_PORT must be in [%d, %d]", common.MinDashboardPort, common.MaxDashboardPort)
	}
	return nil
}

func getStringFromEnvOrConfig(envKey, fileVal string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return fileVal
}

func getBoolFromEnvOrConfig(envKey string, fileVal *bool, def bool) bool {
	if v := os.Getenv(envKey); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func getIntFromEnvOrConfig(envKey string, fileVal *int, def int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func getInt64FromEnvOrConfig(envKey string, fileVal *int64, def int64) int64 {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func getFloatFromEnvOrConfig(envKey string, fileVal *float64, def float64) float64 {
	if v := os.Getenv(envKey); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func getDurationFromEnvOrConfig(envKey, fileVal, def string) time.Duration {
	raw := fileVal
	if v := os.Getenv(envKey); v != "" {
		raw = v
	}
	if raw == "" {
		raw = def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}
	return d
}

func getSymbolsFromEnvOrConfig(fileVal []string) []string {
	if v := os.Getenv(common.EnvSymbols); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.ToUpper(strings.TrimSpace(p))
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return fileVal
}
