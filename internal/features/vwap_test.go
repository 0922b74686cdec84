package features

import (
	"math"
	"testing"
	"time"
)

func TestVWAP_NewVWAP_DefaultsInvalidInputs(t *testing.T) {
	v := NewVWAP(time.Minute, 10)
	if v == nil {
		t.Fatal("NewVWAP returned nil")
	}
	if v.win != time.Minute {
		t.Errorf("expected window %v, got %v", time.Minute, v.win)
	}

	v = NewVWAP(0, 0)
	if v.win != time.Minute {
		t.Errorf("expected default window of 1 minute, got %v", v.win)
	}
	if v.ring.Len() != 1 {
		t.Errorf("expected default size of 1, got %d", v.ring.Len())
	}
}

func TestVWAP_Calc_EmptyIsZero(t *testing.T) {
	v := NewVWAP(time.Minute, 5)
	value, std := v.Calc()
	if value != 0 || std != 0 {
		t.Errorf("expected (0, 0) for empty VWAP, got (%v, %v)", value, std)
	}
}

func TestVWAP_Calc_SingleSample(t *testing.T) {
	v := NewVWAP(time.Minute, 5)
	v.Add(100, 10)
	value, std := v.Calc()
	if value != 100 {
		t.Errorf("expected vwap 100, got %v", value)
	}
	if std != 0 {
		t.Errorf("expected std 0 for single sample, got %v", std)
	}
}

func TestVWAP_Calc_WeightedAverage(t *testing.T) {
	v := NewVWAP(time.Minute, 10)
	v.Add(100, 1)
	v.Add(200, 1)
	value, std := v.Calc()
	if value != 150 {
		t.Errorf("expected vwap 150, got %v", value)
	}
	if std <= 0 {
		t.Errorf("expected positive std for dispersed samples, got %v", std)
	}
}

func TestVWAP_Add_RejectsInvalidInputs(t *testing.T) {
	v := NewVWAP(time.Minute, 5)
	v.Add(math.NaN(), 1)
	v.Add(math.Inf(1), 1)
	v.Add(-1, 1)
	v.Add(1, math.NaN())
	v.Add(1, -1)
	value, _ := v.Calc()
	if value != 0 {
		t.Errorf("expected no samples accepted, got vwap %v", value)
	}
}

func TestVWAP_Calc_EvictsOutsideWindow(t *testing.T) {
	v := NewVWAP(10*time.Millisecond, 5)
	v.Add(100, 1)
	time.Sleep(20 * time.Millisecond)
	v.Add(200, 1)
	value, _ := v.Calc()
	if value != 200 {
		t.Errorf("expected only the fresh sample to count, got vwap %v", value)
	}
}

func TestDepthImb_ValidInputs(t *testing.T) {
	testCases := []struct {
		name     string
		bid, ask float64
		expected float64
	}{
		{"balanced book", 100.0, 100.0, 0.0},
		{"bid heavy", 150.0, 100.0, 0.2},
		{"ask heavy", 100.0, 150.0, -0.2},
		{"zero ask", 100.0, 0.0, 1.0},
		{"zero bid", 0.0, 100.0, -1.0},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := DepthImb(tc.bid, tc.ask)
			if math.Abs(got-tc.expected) > 1e-10 {
				t.Errorf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestTickImb_RatioTracksSignHistory(t *testing.T) {
	ti := NewTickImb(3)
	if ti.Ratio() != 0 {
		t.Errorf("expected 0 ratio for empty buffer")
	}
	ti.Add(1)
	ti.Add(1)
	ti.Add(-1)
	if got := ti.Ratio(); got != 1.0/3.0 {
		t.Errorf("expected 1/3, got %v", got)
	}
	ti.Add(-1) // evicts the oldest +1
	if got := ti.Ratio(); got != -1.0/3.0 {
		t.Errorf("expected -1/3 after eviction, got %v", got)
	}
}
