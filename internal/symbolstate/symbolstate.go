// Package symbolstate tracks the rolling per-symbol price and volume
// history the Signal Engine scores against: momentum, 5- and 20-sample
// moving averages, and a volume ratio. The ring buffer follows the
// teacher's VWAP calculator's container/ring pattern, generalized from a
// volume-weighted price window to the spec's plain price/volume history.
//
// Symbol State is single-writer (the tick handler for its symbol) with the
// signal function reading on the same goroutine immediately after, so no
// locking is needed (spec §5).
package symbolstate

import (
	"container/ring"

	"scalper/internal/model"
)

// historyCapacity is the minimum ring size the spec requires (§3:
// price_history/volume_history capacity >= 50).
const historyCapacity = 50

// volumeHistorySamples is how many trailing volume samples (including the
// latest) the volume_ratio feature averages over (spec §4.D:
// avg_volume = mean(volume[-10:])).
const volumeHistorySamples = 10

// State holds the rolling history for one symbol.
type State struct {
	symbol  string
	prices  *ring.Ring
	volumes *ring.Ring
	count   int
}

// New creates a State with a ring buffer sized to the spec's minimum
// history capacity.
func New(symbol string) *State {
	return &State{
		symbol:  symbol,
		prices:  ring.New(historyCapacity),
		volumes: ring.New(historyCapacity),
	}
}

// Update folds a new tick into the rolling history. Appends are
// append-only and evict the oldest sample once the ring is full (spec §3
// invariant).
func (s *State) Update(t model.Tick) {
	s.prices.Value = t.Price
	s.prices = s.prices.Next()
	s.volumes.Value = t.Volume
	s.volumes = s.volumes.Next()
	if s.count < historyCapacity {
		s.count++
	}
}

// Len returns the number of samples currently held, capped at capacity
// (spec §8 property 8, ring-buffer bound).
func (s *State) Len() int {
	return s.count
}

// Features is the snapshot of derived values the Signal Engine scores.
type Features struct {
	Momentum    float64
	MA5         float64
	MA20        float64
	VolumeRatio float64
	LastPrice   float64
}

// Compute derives momentum/ma5/ma20/volume_ratio from the current history
// exactly per spec §4.C: momentum needs >= 5 samples (else 0), ma20 needs
// >= 20 samples (else ma5 is used for both), volume_ratio divides the
// latest volume by the mean of the trailing 10 volume samples.
func (s *State) Compute() Features {
	prices := collect(s.prices, s.count)
	volumes := collect(s.volumes, s.count)
	if len(prices) == 0 {
		return Features{}
	}

	f := Features{LastPrice: prices[len(prices)-1]}

	if len(prices) >= 5 {
		first := prices[len(prices)-5]
		last := prices[len(prices)-1]
		if first != 0 {
			f.Momentum = (last - first) / first
		}
	}

	f.MA5 = movingAverage(prices, 5)
	if len(prices) >= 20 {
		f.MA20 = movingAverage(prices, 20)
	} else {
		f.MA20 = f.MA5
	}

	avgVolume := movingAverage(volumes, volumeHistorySamples)
	if avgVolume > 0 {
		f.VolumeRatio = volumes[len(volumes)-1] / avgVolume
	}

	return f
}

func collect(r *ring.Ring, count int) []float64 {
	if count == 0 {
		return nil
	}
	out := make([]float64, 0, count)
	// r points just past the most recently written slot, i.e. at the
	// oldest retained sample (or the next empty slot pre-wraparound); a
	// forward walk from there visits samples oldest to newest.
	cursor := r.Move(-count)
	cursor.Do(func(v any) {
		if v == nil {
			return
		}
		out = append(out, v.(float64))
	})
	return out
}

func movingAverage(series []float64, n int) float64 {
	if len(series) < n {
		n = len(series)
	}
	if n == 0 {
		return 0
	}
	window := series[len(series)-n:]
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}
