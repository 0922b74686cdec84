// Package signal implements the Signal Engine: a pure scoring function over
// Symbol State features, invoked on every tick of the owning symbol
// (spec §4.C, §4.D).
package signal

import (
	"time"

	"scalper/internal/model"
	"scalper/internal/symbolstate"
)

const (
	momentumThreshold = 0.0012

	weightMomentum   = 0.40
	weightMACross    = 0.25
	weightVolumeHigh = 0.20
	weightVolumeLow  = 0.10
	weightTrend      = 0.10

	volumeRatioHigh = 1.4
	volumeRatioLow  = 1.2
)

// FeatureAugmenter is a pluggable hook that may contribute an additional
// scalar to the score (spec §9 design note). The engine runs correctly
// with zero augmenters registered; this interface exists so an optional
// add-on can influence strength without becoming load-bearing.
type FeatureAugmenter interface {
	// Contribute returns an additional strength delta (may be negative)
	// and a tag to record in the signal's reasoning, or ("", 0) to abstain.
	Contribute(symbol string, f symbolstate.Features) (tag string, delta float64)
}

// Engine scores Symbol State features into an optional Signal.
type Engine struct {
	augmenters []FeatureAugmenter
}

// New creates a Signal Engine with zero or more augmenters.
func New(augmenters ...FeatureAugmenter) *Engine {
	return &Engine{augmenters: augmenters}
}

// Score evaluates the scoring function of spec §4.D against a feature
// snapshot plus the tick's symbol, change_24h, and timestamp (change_24h
// feeds the trend confirmation; symbol and time go on the emitted Signal).
// Returns ok=false when no direction
// qualifies ("return no signal").
func (e *Engine) Score(symbol string, f symbolstate.Features, change24h float64, now time.Time) (model.Signal, bool) {
	var direction model.Direction
	var strength float64
	var tags []string

	switch {
	case f.Momentum > momentumThreshold:
		direction = model.Buy
		strength += weightMomentum
		tags = append(tags, "momentum")
	case f.Momentum < -momentumThreshold:
		direction = model.Sell
		strength += weightMomentum
		tags = append(tags, "momentum")
	default:
		return model.Signal{}, false
	}

	if direction == model.Buy && f.MA5 > f.MA20 {
		strength += weightMACross
		tags = append(tags, "ma_cross")
	} else if direction == model.Sell && f.MA5 < f.MA20 {
		strength += weightMACross
		tags = append(tags, "ma_cross")
	}

	switch {
	case f.VolumeRatio >= volumeRatioHigh:
		strength += weightVolumeHigh
		tags = append(tags, "volume_spike")
	case f.VolumeRatio >= volumeRatioLow:
		strength += weightVolumeLow
	}

	if direction == model.Buy && change24h > 0 {
		strength += weightTrend
		tags = append(tags, "trend_up")
	} else if direction == model.Sell && change24h < 0 {
		strength += weightTrend
		tags = append(tags, "trend_down")
	}

	for _, a := range e.augmenters {
		tag, delta := a.Contribute(symbol, f)
		if tag != "" {
			tags = append(tags, tag)
		}
		strength += delta
	}

	return model.Signal{
		Symbol:    symbol,
		Direction: direction,
		Strength:  strength,
		Reasoning: tags,
		Timestamp: now,
	}, true
}
