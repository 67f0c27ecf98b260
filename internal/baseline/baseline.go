// Package baseline implements the Tier-0 statistics engine.
//
// For each modality it maintains a rolling sample buffer and, once enough
// samples have arrived, a frozen baseline distribution (mean vector plus
// full covariance matrix). Live windows are scored as a squared Mahalanobis
// distance against that baseline via a Cholesky factorization; no explicit
// matrix inverse is ever formed.
//
// The baseline is a one-shot computation: it is established when the sample
// threshold is crossed and stays fixed until an explicit reset, so a slow
// drift by an intruder cannot pull the profile toward itself.
package baseline

import (
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"vigild/internal/feature"
)

// Config controls buffering and baseline establishment.
type Config struct {
	// BufferWindow is the nominal rolling window size. The buffer holds at
	// most twice this many samples before evicting the oldest.
	BufferWindow int `toml:"buffer_window" json:"buffer_window"`

	// RecentWindow caps how many of the newest samples feed one distance
	// computation.
	RecentWindow int `toml:"recent_window" json:"recent_window"`

	// MinRecentSamples is the smallest window accepted for a distance.
	// Smaller windows are rejected to avoid spikes from single samples.
	MinRecentSamples int `toml:"min_recent_samples" json:"min_recent_samples"`

	// Per-modality sample counts required before the baseline is computed.
	// Touch and typing arrive more sparsely than motion, so they need fewer.
	MinSamplesTouch  int `toml:"min_samples_touch" json:"min_samples_touch"`
	MinSamplesTyping int `toml:"min_samples_typing" json:"min_samples_typing"`
	MinSamplesMotion int `toml:"min_samples_motion" json:"min_samples_motion"`

	// CovarianceEpsilon is added to the covariance diagonal so the matrix
	// stays positive-definite even for degenerate sample sets.
	CovarianceEpsilon float64 `toml:"covariance_epsilon" json:"covariance_epsilon"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferWindow:      100,
		RecentWindow:      30,
		MinRecentSamples:  5,
		MinSamplesTouch:   60,
		MinSamplesTyping:  60,
		MinSamplesMotion:  100,
		CovarianceEpsilon: 1e-6,
	}
}

// MinSamples returns the establishment threshold for a modality.
func (c Config) MinSamples(m feature.Modality) int {
	switch m {
	case feature.ModalityTouch:
		return c.MinSamplesTouch
	case feature.ModalityTyping:
		return c.MinSamplesTyping
	default:
		return c.MinSamplesMotion
	}
}

// Baseline is the frozen owner distribution for one modality.
type Baseline struct {
	Mean        []float64 `json:"mean"`
	Cov         []float64 `json:"cov"` // row-major Dim×Dim, diagonal regularized
	SampleCount int       `json:"sample_count"`
	Established time.Time `json:"established"`

	chol *mat.Cholesky
}

// modalityBuffer owns the rolling samples and baseline for one modality.
// Mutated only under the engine lock.
type modalityBuffer struct {
	samples  [][]float64
	baseline *Baseline
}

// Engine is the per-session baseline statistics engine.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	buffers map[feature.Modality]*modalityBuffer
}

// NewEngine creates an empty engine with one buffer per modality.
func NewEngine(cfg Config) *Engine {
	buffers := make(map[feature.Modality]*modalityBuffer, len(feature.Modalities))
	for _, m := range feature.Modalities {
		buffers[m] = &modalityBuffer{}
	}
	return &Engine{cfg: cfg, buffers: buffers}
}

// AddFeatures validates, sanitizes and appends one vector to its modality
// buffer, evicting the oldest sample once the buffer exceeds twice the
// window size. Crossing the modality's minimum-sample threshold establishes
// the baseline.
func (e *Engine) AddFeatures(v feature.Vector) error {
	if err := v.Validate(); err != nil {
		return err
	}
	row := make([]float64, feature.Dim)
	copy(row, v.Values)
	feature.Sanitize(row)

	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.buffers[v.Modality]
	buf.samples = append(buf.samples, row)
	if max := 2 * e.cfg.BufferWindow; len(buf.samples) > max {
		buf.samples = buf.samples[len(buf.samples)-max:]
	}

	if buf.baseline == nil && len(buf.samples) >= e.cfg.MinSamples(v.Modality) {
		if err := e.establish(v.Modality, buf); err != nil {
			// Covariance unusable: drop the collected corpus and start over
			// rather than scoring against a garbage baseline.
			buf.samples = nil
			return err
		}
	}
	return nil
}

// establish computes the one-shot mean/covariance baseline for a buffer.
// Caller holds the lock.
func (e *Engine) establish(m feature.Modality, buf *modalityBuffer) error {
	mean, ok := meanVector(buf.samples)
	if !ok {
		return fmt.Errorf("establish %s baseline: %w: no valid samples", m, feature.ErrNotReady)
	}

	cov := mat.NewSymDense(feature.Dim, nil)
	n := 0
	for _, row := range buf.samples {
		if len(row) != feature.Dim {
			continue
		}
		for i := 0; i < feature.Dim; i++ {
			di := row[i] - mean[i]
			for j := i; j < feature.Dim; j++ {
				cov.SetSym(i, j, cov.At(i, j)+di*(row[j]-mean[j]))
			}
		}
		n++
	}
	if n < 2 {
		return fmt.Errorf("establish %s baseline: %w: %d valid samples", m, feature.ErrNotReady, n)
	}
	inv := 1 / float64(n-1)
	for i := 0; i < feature.Dim; i++ {
		for j := i; j < feature.Dim; j++ {
			cov.SetSym(i, j, cov.At(i, j)*inv)
		}
		cov.SetSym(i, i, cov.At(i, i)+e.cfg.CovarianceEpsilon)
	}

	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return fmt.Errorf("factorize %s covariance: %w", m, feature.ErrNumericalInstability)
	}

	flat := make([]float64, 0, feature.Dim*feature.Dim)
	for i := 0; i < feature.Dim; i++ {
		for j := 0; j < feature.Dim; j++ {
			flat = append(flat, cov.At(i, j))
		}
	}
	buf.baseline = &Baseline{
		Mean:        mean,
		Cov:         flat,
		SampleCount: n,
		Established: time.Now(),
		chol:        &chol,
	}
	return nil
}

// Distance computes the squared Mahalanobis distance between the mean of the
// most recent window and the modality's baseline. It returns ErrNotReady
// until the baseline is established and at least MinRecentSamples samples
// are buffered.
func (e *Engine) Distance(m feature.Modality) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distanceLocked(m)
}

func (e *Engine) distanceLocked(m feature.Modality) (float64, error) {
	buf := e.buffers[m]
	if buf == nil || buf.baseline == nil {
		return 0, fmt.Errorf("%s distance: %w: baseline not established", m, feature.ErrNotReady)
	}
	window := buf.samples
	if len(window) > e.cfg.RecentWindow {
		window = window[len(window)-e.cfg.RecentWindow:]
	}
	if len(window) < e.cfg.MinRecentSamples {
		return 0, fmt.Errorf("%s distance: %w: window of %d below minimum %d",
			m, feature.ErrNotReady, len(window), e.cfg.MinRecentSamples)
	}
	wm, ok := meanVector(window)
	if !ok {
		return 0, fmt.Errorf("%s distance: %w: no valid samples in window", m, feature.ErrNotReady)
	}

	diff := mat.NewVecDense(feature.Dim, nil)
	for i := 0; i < feature.Dim; i++ {
		diff.SetVec(i, wm[i]-buf.baseline.Mean[i])
	}
	var solved mat.VecDense
	if err := buf.baseline.chol.SolveVecTo(&solved, diff); err != nil {
		return 0, fmt.Errorf("%s distance: %w: %v", m, feature.ErrNumericalInstability, err)
	}
	d2 := mat.Dot(diff, &solved)
	if d2 < 0 {
		d2 = 0 // round-off only; the quadratic form is non-negative
	}
	return d2, nil
}

// MaxDistance returns the worst-offender distance across all modalities with
// a ready baseline. A single sharply deviating modality must not be diluted
// by averaging with quiet ones. ErrNotReady if no modality can answer.
func (e *Engine) MaxDistance() (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := 0.0
	found := false
	for _, m := range feature.Modalities {
		d, err := e.distanceLocked(m)
		if err != nil {
			continue
		}
		if !found || d > best {
			best = d
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("max distance: %w", feature.ErrNotReady)
	}
	return best, nil
}

// Ready reports whether the modality's baseline is established.
func (e *Engine) Ready(m feature.Modality) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.buffers[m]
	return buf != nil && buf.baseline != nil
}

// AnyReady reports whether at least one modality baseline is established.
func (e *Engine) AnyReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, buf := range e.buffers {
		if buf.baseline != nil {
			return true
		}
	}
	return false
}

// SampleCount returns the number of buffered samples for a modality.
func (e *Engine) SampleCount(m feature.Modality) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf := e.buffers[m]; buf != nil {
		return len(buf.samples)
	}
	return 0
}

// CalibrationProgress returns overall calibration progress in [0,1]: the
// mean, over modalities, of buffered samples relative to each modality's
// establishment threshold.
func (e *Engine) CalibrationProgress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0.0
	for _, m := range feature.Modalities {
		min := e.cfg.MinSamples(m)
		if min <= 0 {
			total += 1
			continue
		}
		frac := float64(len(e.buffers[m].samples)) / float64(min)
		if frac > 1 {
			frac = 1
		}
		total += frac
	}
	return total / float64(len(feature.Modalities))
}

// Samples returns a copy of the modality's buffered samples, for Tier-1
// training. Rows are copied so training can run outside the engine lock.
func (e *Engine) Samples(m feature.Modality) [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.buffers[m]
	if buf == nil {
		return nil
	}
	out := make([][]float64, len(buf.samples))
	for i, row := range buf.samples {
		cp := make([]float64, len(row))
		copy(cp, row)
		out[i] = cp
	}
	return out
}

// RecentWindow returns a copy of the most recent ≤RecentWindow samples, for
// Tier-1 scoring.
func (e *Engine) RecentWindow(m feature.Modality) [][]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.buffers[m]
	if buf == nil {
		return nil
	}
	window := buf.samples
	if len(window) > e.cfg.RecentWindow {
		window = window[len(window)-e.cfg.RecentWindow:]
	}
	out := make([][]float64, len(window))
	for i, row := range window {
		cp := make([]float64, len(row))
		copy(cp, row)
		out[i] = cp
	}
	return out
}

// Snapshot exports the established baseline for a modality, or nil if none.
func (e *Engine) Snapshot(m feature.Modality) *Baseline {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.buffers[m]
	if buf == nil || buf.baseline == nil {
		return nil
	}
	cp := *buf.baseline
	cp.Mean = append([]float64(nil), buf.baseline.Mean...)
	cp.Cov = append([]float64(nil), buf.baseline.Cov...)
	return &cp
}

// Restore installs a previously exported baseline for a modality. The
// covariance is re-factorized; a snapshot that fails to factorize is
// rejected with ErrNumericalInstability.
func (e *Engine) Restore(m feature.Modality, b *Baseline) error {
	if b == nil || len(b.Mean) != feature.Dim || len(b.Cov) != feature.Dim*feature.Dim {
		return fmt.Errorf("restore %s baseline: %w", m, feature.ErrInvalidInput)
	}
	if !feature.AllFinite(b.Mean) || !feature.AllFinite(b.Cov) {
		return fmt.Errorf("restore %s baseline: %w: non-finite values", m, feature.ErrInvalidInput)
	}
	sym := mat.NewSymDense(feature.Dim, nil)
	for i := 0; i < feature.Dim; i++ {
		for j := i; j < feature.Dim; j++ {
			sym.SetSym(i, j, b.Cov[i*feature.Dim+j])
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return fmt.Errorf("restore %s baseline: %w", m, feature.ErrNumericalInstability)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *b
	cp.Mean = append([]float64(nil), b.Mean...)
	cp.Cov = append([]float64(nil), b.Cov...)
	cp.chol = &chol
	e.buffers[m].baseline = &cp
	return nil
}

// Reset clears all buffers and baselines.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range feature.Modalities {
		e.buffers[m] = &modalityBuffer{}
	}
}

// meanVector computes the arithmetic mean over rows, skipping rows with the
// wrong dimensionality. Returns false when no valid rows remain.
func meanVector(rows [][]float64) ([]float64, bool) {
	mean := make([]float64, feature.Dim)
	n := 0
	for _, row := range rows {
		if len(row) != feature.Dim {
			continue
		}
		for i, x := range row {
			mean[i] += x
		}
		n++
	}
	if n == 0 {
		return nil, false
	}
	for i := range mean {
		mean[i] /= float64(n)
	}
	return mean, true
}
