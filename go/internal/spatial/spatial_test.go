package spatial

import (
	"math"
	"testing"
)

func TestGainAtSourceIsMax(t *testing.T) {
	g := DefaultGainModel()
	p := Position{X: 10, Y: 10}

	if got := g.Gain(p, p); got != g.MaxGain {
		t.Errorf("expected max gain %v at distance 0, got %v", g.MaxGain, got)
	}
}

func TestGainMonotonic(t *testing.T) {
	g := DefaultGainModel()
	source := Origin()

	prev := math.Inf(1)
	for d := 0.0; d <= 150; d += 2.5 {
		gain := g.Gain(Position{X: source.X + d, Y: source.Y}, source)
		if gain > prev {
			t.Fatalf("gain increased at distance %v: %v > %v", d, gain, prev)
		}
		if gain < g.MinGain || gain > g.MaxGain {
			t.Fatalf("gain %v out of [%v, %v] at distance %v", gain, g.MinGain, g.MaxGain, d)
		}
		prev = gain
	}
}

func TestGainSaturatesAtMin(t *testing.T) {
	g := DefaultGainModel()

	// exp(-0.05*d) < 0.15 once d > ~37.9
	far := g.Gain(Position{X: 0, Y: 0}, Position{X: 100, Y: 100})
	if far != g.MinGain {
		t.Errorf("expected min gain %v far away, got %v", g.MinGain, far)
	}
}

func TestGainKnownValue(t *testing.T) {
	g := DefaultGainModel()
	got := g.Gain(Position{X: 50, Y: 50}, Position{X: 60, Y: 50})
	want := math.Exp(-0.5)

	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestGainClampsAboveMax(t *testing.T) {
	g := GainModel{Falloff: -1, MinGain: 0.1, MaxGain: 0.8}
	if got := g.Gain(Position{}, Position{X: 10}); got != 0.8 {
		t.Errorf("expected clamp to max gain, got %v", got)
	}
}

func TestParamsCarriesRampTime(t *testing.T) {
	g := DefaultGainModel()
	p := g.Params(Origin(), Origin())
	if p.RampTime != DefaultRampTime || p.Gain != 1 {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in, want Position
	}{
		{Position{X: -5, Y: 50}, Position{X: 0, Y: 50}},
		{Position{X: 105, Y: 120}, Position{X: 100, Y: 100}},
		{Position{X: 30, Y: 40}, Position{X: 30, Y: 40}},
	}

	for _, tt := range tests {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestCircleLayout(t *testing.T) {
	positions := CircleLayout(4)
	if len(positions) != 4 {
		t.Fatalf("expected 4 positions, got %d", len(positions))
	}

	top := positions[0]
	if math.Abs(top.X-50) > 1e-9 || math.Abs(top.Y-25) > 1e-9 {
		t.Errorf("expected first client at top (50,25), got %+v", top)
	}

	for i, p := range positions {
		if d := Distance(p, Origin()); math.Abs(d-CircleRadius) > 1e-9 {
			t.Errorf("position %d at distance %v from origin", i, d)
		}
	}

	// Opposite client sits at the bottom.
	if math.Abs(positions[2].Y-75) > 1e-9 {
		t.Errorf("expected third of four at bottom, got %+v", positions[2])
	}
}

func TestCircleLayoutEmpty(t *testing.T) {
	if got := CircleLayout(0); len(got) != 0 {
		t.Errorf("expected no positions, got %v", got)
	}
}

func TestOrbitPosition(t *testing.T) {
	p0 := OrbitPosition(0)
	if math.Abs(p0.X-75) > 1e-9 || math.Abs(p0.Y-50) > 1e-9 {
		t.Errorf("tick 0 should be at (75,50), got %+v", p0)
	}

	p15 := OrbitPosition(15)
	if math.Abs(p15.X-50) > 1e-9 || math.Abs(p15.Y-75) > 1e-9 {
		t.Errorf("tick 15 should be a quarter turn at (50,75), got %+v", p15)
	}

	if p60 := OrbitPosition(60); math.Abs(p60.X-75) > 1e-9 || math.Abs(p60.Y-50) > 1e-9 {
		t.Errorf("tick 60 should complete the orbit, got %+v", p60)
	}
}
