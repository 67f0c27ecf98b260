package fusion

import (
	"testing"
	"time"

	"vigild/internal/feature"
)

// =============================================================================
// MapDistance
// =============================================================================

func TestMapDistanceBoundsAndMonotonic(t *testing.T) {
	e := NewEngine(DefaultConfig(), time.Now())

	if p := e.MapDistance(0); p != 0 {
		t.Errorf("zero distance should map to probability 0, got %v", p)
	}
	if p := e.MapDistance(-5); p != 0 {
		t.Errorf("negative distance should clamp to 0, got %v", p)
	}

	prev := -1.0
	for _, d2 := range []float64{0, 1, 5, 10, 20, 50, 200} {
		p := e.MapDistance(d2)
		if p < 0 || p > 1 {
			t.Fatalf("MapDistance(%v) = %v out of [0,1]", d2, p)
		}
		if p < prev {
			t.Fatalf("MapDistance must be monotonic: f(%v)=%v < previous %v", d2, p, prev)
		}
		prev = p
	}
	if p := e.MapDistance(1e6); p < 0.999 {
		t.Errorf("huge distance should saturate near 1, got %v", p)
	}
}

// =============================================================================
// Tier-1 gating
// =============================================================================

func TestGatingOnThreshold(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)
	e.NoteTier1Run(now)

	// Quiet Tier-0, interval not elapsed: skip the deep check.
	if e.ShouldInvokeTier1(0.1, now.Add(time.Second)) {
		t.Error("Tier-1 should be gated off while p0 is low and interval not elapsed")
	}
	// Hot Tier-0: invoke regardless of interval.
	if !e.ShouldInvokeTier1(0.5, now.Add(time.Second)) {
		t.Error("Tier-1 should run when p0 exceeds the threshold")
	}
}

func TestGatingOnInterval(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)

	// Never run before: the periodic floor applies.
	if !e.ShouldInvokeTier1(0.0, now) {
		t.Error("Tier-1 should run when it has never run")
	}
	e.NoteTier1Run(now)
	if e.ShouldInvokeTier1(0.0, now.Add(5*time.Second)) {
		t.Error("interval floor should not have elapsed at 5s")
	}
	if !e.ShouldInvokeTier1(0.0, now.Add(11*time.Second)) {
		t.Error("interval floor should force Tier-1 after 10s")
	}
}

// =============================================================================
// CombineTier1
// =============================================================================

func TestCombineWeightedAverage(t *testing.T) {
	e := NewEngine(DefaultConfig(), time.Now())

	p, ok := e.CombineTier1(map[feature.Modality]float64{
		feature.ModalityTouch:  0.9, // weight 1.0
		feature.ModalityTyping: 0.5, // weight 0.8
	}, Context{})
	if !ok {
		t.Fatal("expected a combined probability")
	}
	want := (1.0*0.9 + 0.8*0.5) / 1.8
	if diff := p - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("combined = %v, want %v", p, want)
	}
}

func TestCombineStationaryMotionDownweighted(t *testing.T) {
	e := NewEngine(DefaultConfig(), time.Now())
	probs := map[feature.Modality]float64{
		feature.ModalityTouch:  0.2,
		feature.ModalityMotion: 1.0,
	}

	moving, _ := e.CombineTier1(probs, Context{})
	stationary, _ := e.CombineTier1(probs, Context{DeviceStationary: true})
	if stationary >= moving {
		t.Errorf("stationary device should downweight motion: moving=%v stationary=%v", moving, stationary)
	}
}

func TestCombineEmpty(t *testing.T) {
	e := NewEngine(DefaultConfig(), time.Now())
	if _, ok := e.CombineTier1(nil, Context{}); ok {
		t.Error("no modalities should yield ok=false")
	}
}

// =============================================================================
// Fuse
// =============================================================================

func TestFuseClampedToRange(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)

	for _, c := range []struct{ p0, p1 float64 }{
		{0, 0}, {1, 1}, {-5, 2}, {2, -5}, {0.5, 0.5},
	} {
		r := e.Fuse(c.p0, c.p1, true, now)
		if r < 0 || r > 100 {
			t.Errorf("Fuse(%v, %v) = %v out of [0,100]", c.p0, c.p1, r)
		}
	}
}

func TestFuseFallsBackToTier0(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)

	// Tier-1 unavailable: p1 must mirror p0, not read as zero risk.
	r := e.Fuse(0.8, 0, false, now)
	if r != 80 {
		t.Errorf("first sample with tier1 unavailable should be 100*p0 = 80, got %v", r)
	}
}

func TestFuseSmoothing(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)

	first := e.Fuse(1.0, 1.0, true, now)
	if first != 100 {
		t.Fatalf("first sample primes the EMA directly, got %v", first)
	}
	second := e.Fuse(0, 0, true, now.Add(time.Second))
	// alpha 0.3: 0.3*0 + 0.7*100 = 70.
	if second != 70 {
		t.Errorf("EMA step = %v, want 70", second)
	}
	if e.Smoothed() != second {
		t.Errorf("Smoothed() = %v, want %v", e.Smoothed(), second)
	}
}

func TestTier0WeightDecays(t *testing.T) {
	now := time.Now()
	e := NewEngine(DefaultConfig(), now)

	// With p0=1, p1=0 the fused value is 100*w0. Early in the session w0 is
	// near 0.7, after the decay window it settles at 0.5.
	early := e.Fuse(1, 0, true, now)
	if early < 69 || early > 71 {
		t.Errorf("early fused value should reflect w0≈0.7, got %v", early)
	}

	late := NewEngine(DefaultConfig(), now)
	r := late.Fuse(1, 0, true, now.Add(10*time.Minute))
	if r < 49 || r > 51 {
		t.Errorf("steady fused value should reflect w0=0.5, got %v", r)
	}
}
