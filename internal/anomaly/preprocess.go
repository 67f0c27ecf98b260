// Package anomaly implements the Tier-1 per-modality anomaly scorers.
//
// Raw behavioral features are bounded, skewed and occasionally spiky, so a
// plain Gaussian fit on them is useless. Each scorer first pushes samples
// through a fixed preprocessing pipeline (clip, variance-stabilizing
// transform, robust standardization) and only then learns a model in the
// standardized space. The pipeline parameters are fitted once from the
// calibration corpus and frozen; retraining replaces the whole scorer.
//
// Two interchangeable strategies implement the Scorer interface: a
// 2-component diagonal Gaussian mixture trained by EM (the default) and a
// reconstruction-error scorer against the robust median profile. Both emit
// raw scores that a shared Calibrator maps into comparable probabilities.
package anomaly

import (
	"fmt"
	"math"
	"sort"

	"vigild/internal/feature"
)

// Transform selects the per-feature variance-stabilizing transform.
type Transform int

const (
	// TransformIdentity leaves the feature unchanged.
	TransformIdentity Transform = iota
	// TransformLog1p is used for strictly-positive right-skewed features
	// such as timings.
	TransformLog1p
	// TransformSqrt is used for variance-like features.
	TransformSqrt
)

// apply applies the transform to one value. Log1p and sqrt clamp their
// argument at 0; clipping has already bounded the magnitude.
func (t Transform) apply(x float64) float64 {
	switch t {
	case TransformLog1p:
		if x < 0 {
			x = 0
		}
		return math.Log1p(x)
	case TransformSqrt:
		if x < 0 {
			x = 0
		}
		return math.Sqrt(x)
	default:
		return x
	}
}

const (
	// madScale converts a MAD into a consistent estimate of the standard
	// deviation under normality.
	madScale = 1.4826

	// zClip bounds robust z-scores so a single wild feature cannot dominate
	// a window.
	zClip = 4.0

	// epsilon floors every scale and probability away from zero.
	epsilon = 1e-9
)

// FeatureSpec fixes the per-feature clip bounds and transform for one
// modality. These are deployment constants, not learned.
type FeatureSpec struct {
	ClipLo     [feature.Dim]float64
	ClipHi     [feature.Dim]float64
	Transforms [feature.Dim]Transform
}

// SpecFor returns the feature spec for a modality.
//
// The feature layout is shared across modalities: slots 0–3 carry timing
// features (strictly positive, right-skewed → log1p), slots 4–6 carry
// variance/energy features (→ sqrt), slots 7–9 carry bounded ratios
// (→ identity).
func SpecFor(m feature.Modality) FeatureSpec {
	var s FeatureSpec
	for i := 0; i < feature.Dim; i++ {
		s.ClipLo[i] = -1e6
		s.ClipHi[i] = 1e6
		switch {
		case i < 4:
			s.ClipLo[i] = 0
			s.Transforms[i] = TransformLog1p
		case i < 7:
			s.ClipLo[i] = 0
			s.Transforms[i] = TransformSqrt
		default:
			s.Transforms[i] = TransformIdentity
		}
	}
	return s
}

// Preprocessor holds the frozen clip + transform + robust standardization
// parameters for one trained scorer.
type Preprocessor struct {
	Spec   FeatureSpec `json:"-"`
	Median []float64   `json:"median"`
	MAD    []float64   `json:"mad"`
}

// fitPreprocessor clips and transforms the corpus, computes per-feature
// median and MAD, and returns the frozen preprocessor together with the
// fully standardized corpus.
func fitPreprocessor(spec FeatureSpec, samples [][]float64) (*Preprocessor, [][]float64, error) {
	transformed := make([][]float64, 0, len(samples))
	for _, row := range samples {
		if len(row) != feature.Dim {
			continue
		}
		t := make([]float64, feature.Dim)
		for i, x := range row {
			t[i] = spec.Transforms[i].apply(clip(x, spec.ClipLo[i], spec.ClipHi[i]))
		}
		transformed = append(transformed, t)
	}
	if len(transformed) == 0 {
		return nil, nil, fmt.Errorf("fit preprocessor: %w: no valid samples", feature.ErrNotReady)
	}

	p := &Preprocessor{
		Spec:   spec,
		Median: make([]float64, feature.Dim),
		MAD:    make([]float64, feature.Dim),
	}
	col := make([]float64, len(transformed))
	for i := 0; i < feature.Dim; i++ {
		for j, row := range transformed {
			col[j] = row[i]
		}
		p.Median[i] = median(col)
		for j, row := range transformed {
			col[j] = math.Abs(row[i] - p.Median[i])
		}
		p.MAD[i] = median(col)
	}

	standardized := make([][]float64, len(transformed))
	for j, row := range transformed {
		standardized[j] = p.standardize(row)
	}
	return p, standardized, nil
}

// Apply runs the full clip + transform + standardize pipeline on one raw row.
func (p *Preprocessor) Apply(row []float64) ([]float64, error) {
	if len(row) != feature.Dim {
		return nil, fmt.Errorf("preprocess: %w: got %d features", feature.ErrInvalidInput, len(row))
	}
	t := make([]float64, feature.Dim)
	for i, x := range row {
		t[i] = p.Spec.Transforms[i].apply(clip(x, p.Spec.ClipLo[i], p.Spec.ClipHi[i]))
	}
	return p.standardize(t), nil
}

// standardize maps an already-transformed row into robust z-space.
func (p *Preprocessor) standardize(t []float64) []float64 {
	z := make([]float64, feature.Dim)
	for i, x := range t {
		z[i] = clip((x-p.Median[i])/(madScale*p.MAD[i]+epsilon), -zClip, zClip)
	}
	return z
}

func clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// median returns the middle value of xs. xs is not modified.
func median(xs []float64) float64 {
	cp := append([]float64(nil), xs...)
	sort.Float64s(cp)
	n := len(cp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2
}
