package anomaly

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"vigild/internal/feature"
)

// Strategy selects the Tier-1 scorer implementation.
type Strategy string

const (
	// StrategyDensity is the Gaussian-mixture density scorer (default).
	StrategyDensity Strategy = "density"
	// StrategyReconstruction scores windows by reconstruction error against
	// the robust median profile.
	StrategyReconstruction Strategy = "reconstruction"
)

// Scorer learns, then scores, an owner profile for one modality.
//
// Train replaces any previous model wholesale. Score returns the raw anomaly
// score of a feature window (higher = more anomalous), which a shared
// Calibrator maps into a probability. Both return ErrNotReady rather than a
// default numeric value when the model cannot answer.
type Scorer interface {
	Train(samples [][]float64) error
	Score(window [][]float64) (float64, error)
	Trained() bool

	// TrainingScores returns the per-sample scores observed during training,
	// for calibration. Nil until trained.
	TrainingScores() []float64
}

// NewScorer builds a scorer of the given strategy for one modality.
func NewScorer(strategy Strategy, m feature.Modality, cfg GMMConfig) Scorer {
	switch strategy {
	case StrategyReconstruction:
		return &ReconstructionScorer{spec: SpecFor(m)}
	default:
		return &DensityScorer{spec: SpecFor(m), cfg: cfg}
	}
}

// RestoredDensityScorer rebuilds a density scorer from persisted state.
// The model is used as-is; calibration must be re-observed by the caller.
func RestoredDensityScorer(m feature.Modality, cfg GMMConfig, pre *Preprocessor, model *GMM) (*DensityScorer, error) {
	if pre == nil || model == nil || !model.Valid() {
		return nil, fmt.Errorf("restore density scorer: %w", feature.ErrInvalidInput)
	}
	if len(pre.Median) != feature.Dim || len(pre.MAD) != feature.Dim {
		return nil, fmt.Errorf("restore density scorer: %w: bad preprocessor", feature.ErrInvalidInput)
	}
	p := *pre
	p.Spec = SpecFor(m)
	return &DensityScorer{spec: p.Spec, cfg: cfg, pre: &p, model: model}, nil
}

// DensityScorer is the Gaussian-mixture density strategy.
type DensityScorer struct {
	mu    sync.RWMutex
	spec  FeatureSpec
	cfg   GMMConfig
	pre   *Preprocessor
	model *GMM
}

// Train fits preprocessing parameters and the mixture model from the raw
// calibration corpus.
func (s *DensityScorer) Train(samples [][]float64) error {
	pre, standardized, err := fitPreprocessor(s.spec, samples)
	if err != nil {
		return err
	}
	model, err := fitGMM(standardized, s.cfg)
	if err != nil {
		return err
	}
	if !model.Valid() {
		return fmt.Errorf("train density scorer: %w: non-finite model", feature.ErrNumericalInstability)
	}

	s.mu.Lock()
	s.pre = pre
	s.model = model
	s.mu.Unlock()
	return nil
}

// Score returns the mean negative log-likelihood of the window under the
// trained mixture.
func (s *DensityScorer) Score(window [][]float64) (float64, error) {
	s.mu.RLock()
	pre, model := s.pre, s.model
	s.mu.RUnlock()
	if model == nil {
		return 0, fmt.Errorf("density score: %w: not trained", feature.ErrNotReady)
	}

	total := 0.0
	n := 0
	for _, row := range window {
		z, err := pre.Apply(row)
		if err != nil {
			continue // defensive: skip malformed rows, don't abort the window
		}
		total += model.NLL(z)
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("density score: %w: no valid rows in window", feature.ErrNotReady)
	}
	return total / float64(n), nil
}

// Trained reports whether a model is available.
func (s *DensityScorer) Trained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model != nil
}

// TrainingScores returns the training-corpus NLLs.
func (s *DensityScorer) TrainingScores() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil
	}
	return append([]float64(nil), s.model.TrainNLL...)
}

// Model returns the trained mixture for persistence, or nil.
func (s *DensityScorer) Model() (*Preprocessor, *GMM) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pre, s.model
}

// ReconstructionScorer scores a window by how badly the robust median
// profile reconstructs it: the mean squared robust z-score. It needs no EM
// pass, making it the cheap fallback strategy on constrained deployments.
type ReconstructionScorer struct {
	mu       sync.RWMutex
	spec     FeatureSpec
	pre      *Preprocessor
	trainErr []float64
}

// Train fits the preprocessing parameters and records per-sample
// reconstruction errors over the corpus.
func (s *ReconstructionScorer) Train(samples [][]float64) error {
	pre, standardized, err := fitPreprocessor(s.spec, samples)
	if err != nil {
		return err
	}
	errs := make([]float64, len(standardized))
	for j, z := range standardized {
		errs[j] = reconstructionError(z)
	}

	s.mu.Lock()
	s.pre = pre
	s.trainErr = errs
	s.mu.Unlock()
	return nil
}

// Score returns the mean reconstruction error over the window.
func (s *ReconstructionScorer) Score(window [][]float64) (float64, error) {
	s.mu.RLock()
	pre := s.pre
	s.mu.RUnlock()
	if pre == nil {
		return 0, fmt.Errorf("reconstruction score: %w: not trained", feature.ErrNotReady)
	}

	total := 0.0
	n := 0
	for _, row := range window {
		z, err := pre.Apply(row)
		if err != nil {
			continue
		}
		total += reconstructionError(z)
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("reconstruction score: %w: no valid rows in window", feature.ErrNotReady)
	}
	return total / float64(n), nil
}

// Trained reports whether preprocessing parameters are fitted.
func (s *ReconstructionScorer) Trained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pre != nil
}

// TrainingScores returns the training-corpus reconstruction errors.
func (s *ReconstructionScorer) TrainingScores() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.trainErr...)
}

// reconstructionError is the mean squared deviation in robust z-space. The
// median profile standardizes to the zero vector, so this is the squared
// distance from "perfectly typical".
func reconstructionError(z []float64) float64 {
	total := 0.0
	for _, x := range z {
		total += x * x
	}
	return total / float64(len(z))
}

// Calibrator aggregates training scores across all trained modality models
// into a global mean/std of "normal", then z-scores live raw scores into a
// comparable anomaly probability via the standard normal CDF.
type Calibrator struct {
	mu    sync.RWMutex
	mean  float64
	m2    float64
	count int
}

// Observe folds one model's training scores into the global baseline.
func (c *Calibrator) Observe(scores []float64) {
	if len(scores) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	// Incremental pooled mean/variance over all observed scores.
	for _, s := range scores {
		c.count++
		delta := s - c.mean
		c.mean += delta / float64(c.count)
		c.m2 += delta * (s - c.mean)
	}
}

// Ready reports whether enough scores have been observed to calibrate.
func (c *Calibrator) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count >= 2
}

// Probability maps a raw score to an anomaly probability in [0,1] by
// z-scoring against the global "normal" distribution.
func (c *Calibrator) Probability(score float64) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count < 2 {
		return 0, fmt.Errorf("calibrate: %w: %d scores observed", feature.ErrNotReady, c.count)
	}
	variance := c.m2 / float64(c.count-1)
	sd := math.Sqrt(variance)
	z := (score - c.mean) / (sd + epsilon)
	p := distuv.Normal{Mu: 0, Sigma: 1}.CDF(z)
	if math.IsNaN(p) {
		return 0, fmt.Errorf("calibrate: %w", feature.ErrNumericalInstability)
	}
	return clip(p, 0, 1), nil
}

// Reset clears the calibration baseline.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mean, c.m2, c.count = 0, 0, 0
}
