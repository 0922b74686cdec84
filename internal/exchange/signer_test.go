package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSign_Deterministic(t *testing.T) {
	query := "symbol=BTCUSDT&side=BUY&type=MARKET&quantity=0.01&timestamp=1690000000000"
	sig1 := Sign("supersecret", query)
	sig2 := Sign("supersecret", query)
	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 64) // hex-encoded SHA-256
}

func TestSign_DifferentSecretsDiffer(t *testing.T) {
	query := "symbol=BTCUSDT&side=BUY"
	assert.NotEqual(t, Sign("secret-a", query), Sign("secret-b", query))
}

func TestBuildCanonicalQuery_Deterministic(t *testing.T) {
	params := map[string]string{"b": "2", "a": "1", "timestamp": "100"}
	assert.Equal(t, "a=1&b=2&timestamp=100", buildCanonicalQuery(params))
}
