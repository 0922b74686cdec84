package cfg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/internal/common"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"API_KEY", "API_SECRET", "USE_TESTNET", "SYMBOLS", "POSITION_SIZE_USD",
		"MAX_POSITIONS", "MAX_DAILY_LOSS", "STOP_LOSS_PCT", "TAKE_PROFIT_PCT",
		"MAX_HOLD_SECONDS", "MIN_SIGNAL_STRENGTH", "MIN_SIGNAL_INTERVAL",
		"DASHBOARD_PORT", "CONFIG_FILE", "BASE_URL", "WS_URL",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresAPICredentials(t *testing.T) {
	clearEnv(t)
	os.Setenv("SYMBOLS", "BTCUSDT")
	os.Setenv("POSITION_SIZE_USD", "100")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "key")
	os.Setenv("API_SECRET", "secret")
	os.Setenv("SYMBOLS", "btcusdt, ethusdt")
	os.Setenv("POSITION_SIZE_USD", "250")
	os.Setenv("MAX_POSITIONS", "3")
	os.Setenv("STOP_LOSS_PCT", "0.01")
	defer clearEnv(t)

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols)
	assert.Equal(t, 250.0, s.PositionSizeUSD)
	assert.Equal(t, 3, s.MaxPositions)
	assert.Equal(t, 0.01, s.StopLossPct)
	// defaults still apply where no env var is set
	assert.Equal(t, common.DefaultTakeProfitPct, s.TakeProfitPct)
}

func TestLoad_TestnetSelectsDefaultURLs(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "key")
	os.Setenv("API_SECRET", "secret")
	os.Setenv("SYMBOLS", "BTCUSDT")
	os.Setenv("POSITION_SIZE_USD", "100")
	os.Setenv("USE_TESTNET", "true")
	defer clearEnv(t)

	s, err := Load()
	require.NoError(t, err)
	assert.Contains(t, s.BaseURL, "testnet")
	assert.Contains(t, s.WsURL, "stream.binancefuture")
}

func TestLoad_RejectsInvalidDashboardPort(t *testing.T) {
	clearEnv(t)
	os.Setenv("API_KEY", "key")
	os.Setenv("API_SECRET", "secret")
	os.Setenv("SYMBOLS", "BTCUSDT")
	os.Setenv("POSITION_SIZE_USD", "100")
	os.Setenv("DASHBOARD_PORT", "80")
	defer clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DASHBOARD_PORT")
}
