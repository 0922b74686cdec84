package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scalper/internal/model"
	"scalper/internal/symbolstate"
)

func TestScore_NoSignalBelowMomentumThreshold(t *testing.T) {
	e := New()
	_, ok := e.Score("BTCUSDT", symbolstate.Features{Momentum: 0.0005}, 0, time.Now())
	assert.False(t, ok)
}

func TestScore_StrongBuySignal(t *testing.T) {
	e := New()
	f := symbolstate.Features{
		Momentum:    0.002,
		MA5:         101,
		MA20:        100,
		VolumeRatio: 1.5,
	}
	sig, ok := e.Score("BTCUSDT", f, 0.03, time.Now())
	require.True(t, ok)
	assert.Equal(t, model.Buy, sig.Direction)
	assert.InDelta(t, 0.40+0.25+0.20+0.10, sig.Strength, 1e-9)
	assert.Contains(t, sig.Reasoning, "momentum")
	assert.Contains(t, sig.Reasoning, "ma_cross")
	assert.Contains(t, sig.Reasoning, "volume_spike")
	assert.Contains(t, sig.Reasoning, "trend_up")
}

func TestScore_SellSignalDoesNotPickUpBuyConfirmations(t *testing.T) {
	e := New()
	f := symbolstate.Features{
		Momentum:    -0.002,
		MA5:         99,
		MA20:        100,
		VolumeRatio: 1.25,
	}
	sig, ok := e.Score("ETHUSDT", f, -0.01, time.Now())
	require.True(t, ok)
	assert.Equal(t, model.Sell, sig.Direction)
	assert.InDelta(t, 0.40+0.25+0.10+0.10, sig.Strength, 1e-9)
}

type fixedAugmenter struct {
	tag   string
	delta float64
}

func (f fixedAugmenter) Contribute(string, symbolstate.Features) (string, float64) {
	return f.tag, f.delta
}

func TestScore_AugmenterContributesWithoutBeingRequired(t *testing.T) {
	withoutAugmenter := New()
	f := symbolstate.Features{Momentum: 0.002}
	base, _ := withoutAugmenter.Score("BTCUSDT", f, 0, time.Now())

	withAugmenter := New(fixedAugmenter{tag: "ml_boost", delta: 0.1})
	boosted, _ := withAugmenter.Score("BTCUSDT", f, 0, time.Now())

	assert.InDelta(t, base.Strength+0.1, boosted.Strength, 1e-9)
	assert.Contains(t, boosted.Reasoning, "ml_boost")
}
