// Package fusion combines the Tier-0 distance signal and the Tier-1 scorer
// probabilities into one smoothed 0–100 risk value.
//
// Tier-1 is the expensive half of the pipeline, so invocation is gated: the
// scorers only run when the cheap Tier-0 probability crosses a threshold, or
// when a periodic floor has elapsed since the last deep check. The two tiers
// are blended with a weight that trusts Tier-0 more early in a session,
// before the mixture models have meaningful calibration, and settles to an
// even split once both tiers are reliable.
package fusion

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"vigild/internal/feature"
)

// Config holds the fusion tunables. The Tier-0/Tier-1 weighting is
// deliberately configuration, not a constant: deployments disagree on the
// right split and there is no single canonical value.
type Config struct {
	// Tier1Threshold is the Tier-0 probability above which the Tier-1
	// scorers are invoked.
	Tier1Threshold float64 `toml:"tier1_threshold" json:"tier1_threshold"`

	// Tier1Interval is the periodic safety net: Tier-1 runs at least this
	// often even while Tier-0 is quiet.
	Tier1Interval time.Duration `toml:"tier1_interval" json:"tier1_interval"`

	// W0Early and W0Steady bound the Tier-0 weight; it decays from the
	// former to the latter over W0Decay of session time.
	W0Early  float64       `toml:"w0_early" json:"w0_early"`
	W0Steady float64       `toml:"w0_steady" json:"w0_steady"`
	W0Decay  time.Duration `toml:"w0_decay" json:"w0_decay"`

	// SmoothingAlpha is the EMA coefficient applied to the fused risk.
	SmoothingAlpha float64 `toml:"smoothing_alpha" json:"smoothing_alpha"`

	// Per-modality confidence weights for combining Tier-1 probabilities.
	TouchWeight  float64 `toml:"touch_weight" json:"touch_weight"`
	TypingWeight float64 `toml:"typing_weight" json:"typing_weight"`
	MotionWeight float64 `toml:"motion_weight" json:"motion_weight"`

	// StationaryMotionWeight replaces MotionWeight while the device is
	// stationary. A motionless device says little about who is holding it.
	StationaryMotionWeight float64 `toml:"stationary_motion_weight" json:"stationary_motion_weight"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tier1Threshold:         0.30,
		Tier1Interval:          10 * time.Second,
		W0Early:                0.7,
		W0Steady:               0.5,
		W0Decay:                5 * time.Minute,
		SmoothingAlpha:         0.3,
		TouchWeight:            1.0,
		TypingWeight:           0.8,
		MotionWeight:           0.6,
		StationaryMotionWeight: 0.2,
	}
}

// Context carries the situational hints used to weight modalities.
type Context struct {
	// DeviceStationary lowers the motion modality's confidence.
	DeviceStationary bool
}

// Engine fuses per-window signals into the smoothed risk stream. One engine
// per session; methods are safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	startedAt time.Time
	lastTier1 time.Time
	smoothed  float64
	primed    bool
	chi       distuv.ChiSquared
}

// NewEngine creates a fusion engine; now anchors the w0 decay schedule.
func NewEngine(cfg Config, now time.Time) *Engine {
	return &Engine{
		cfg:       cfg,
		startedAt: now,
		chi:       distuv.ChiSquared{K: float64(feature.Dim)},
	}
}

// SetConfig swaps the tunables without disturbing the smoothed risk stream
// or the w0 decay anchor. Used by live config reload.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// MapDistance converts a squared Mahalanobis distance into an anomaly
// probability via the lower-tail chi-squared CDF with df equal to the
// feature dimensionality. Bounded and distribution-aware, unlike the raw
// distance.
func (e *Engine) MapDistance(d2 float64) float64 {
	if d2 < 0 {
		d2 = 0
	}
	return clamp01(e.chi.CDF(d2))
}

// ShouldInvokeTier1 applies the gating rule: Tier-0 probability above the
// threshold, or the periodic interval elapsed since the last successful run.
func (e *Engine) ShouldInvokeTier1(p0 float64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p0 > e.cfg.Tier1Threshold {
		return true
	}
	return e.lastTier1.IsZero() || now.Sub(e.lastTier1) >= e.cfg.Tier1Interval
}

// NoteTier1Run records a successful Tier-1 invocation for the gating rule.
func (e *Engine) NoteTier1Run(now time.Time) {
	e.mu.Lock()
	e.lastTier1 = now
	e.mu.Unlock()
}

// CombineTier1 merges per-modality Tier-1 probabilities by confidence-
// weighted average. Missing modalities are simply excluded and the weights
// renormalized. Returns false if no modality contributed.
func (e *Engine) CombineTier1(probs map[feature.Modality]float64, ctx Context) (float64, bool) {
	totalW := 0.0
	total := 0.0
	for m, p := range probs {
		w := e.modalityWeight(m, ctx)
		if w <= 0 {
			continue
		}
		total += w * clamp01(p)
		totalW += w
	}
	if totalW == 0 {
		return 0, false
	}
	return total / totalW, true
}

func (e *Engine) modalityWeight(m feature.Modality, ctx Context) float64 {
	switch m {
	case feature.ModalityTouch:
		return e.cfg.TouchWeight
	case feature.ModalityTyping:
		return e.cfg.TypingWeight
	case feature.ModalityMotion:
		if ctx.DeviceStationary {
			return e.cfg.StationaryMotionWeight
		}
		return e.cfg.MotionWeight
	}
	return 0
}

// Fuse blends the two tiers into a 0–100 risk value and folds it into the
// EMA-smoothed risk stream. When Tier-1 is unavailable, p1 falls back to p0
// rather than silently reading as zero risk.
func (e *Engine) Fuse(p0 float64, p1 float64, tier1OK bool, now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	p0 = clamp01(p0)
	if !tier1OK {
		p1 = p0
	} else {
		p1 = clamp01(p1)
	}

	w0 := e.tier0Weight(now)
	raw := 100 * (w0*p0 + (1-w0)*p1)
	if raw < 0 {
		raw = 0
	} else if raw > 100 {
		raw = 100
	}

	if !e.primed {
		e.smoothed = raw
		e.primed = true
	} else {
		a := e.cfg.SmoothingAlpha
		e.smoothed = a*raw + (1-a)*e.smoothed
	}
	return e.smoothed
}

// Smoothed returns the current smoothed risk without folding in a new sample.
func (e *Engine) Smoothed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.smoothed
}

// tier0Weight decays linearly from W0Early to W0Steady over W0Decay of
// session lifetime. Caller holds the lock.
func (e *Engine) tier0Weight(now time.Time) float64 {
	if e.cfg.W0Decay <= 0 {
		return e.cfg.W0Steady
	}
	frac := float64(now.Sub(e.startedAt)) / float64(e.cfg.W0Decay)
	if frac < 0 {
		frac = 0
	} else if frac > 1 {
		frac = 1
	}
	return e.cfg.W0Early + frac*(e.cfg.W0Steady-e.cfg.W0Early)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
