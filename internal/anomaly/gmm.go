package anomaly

import (
	"fmt"
	"math"

	"vigild/internal/feature"
)

// GMM training constants.
const (
	// Components is the mixture size. Two components are enough to separate
	// a dominant behavior mode from a secondary one (e.g. two-thumb vs
	// one-hand typing) without overfitting a small calibration corpus.
	Components = 2

	// WeightFloor keeps both components alive during EM.
	WeightFloor = 0.05

	// VarianceFloor prevents a component from collapsing onto a single
	// standardized sample.
	VarianceFloor = 1e-3
)

// GMMConfig bounds the EM iteration.
type GMMConfig struct {
	MaxIterations int     `toml:"max_iterations" json:"max_iterations"`
	Tolerance     float64 `toml:"tolerance" json:"tolerance"` // relative log-likelihood improvement
}

// DefaultGMMConfig returns the default EM bounds.
func DefaultGMMConfig() GMMConfig {
	return GMMConfig{MaxIterations: 50, Tolerance: 1e-4}
}

// GMM is a 2-component diagonal-covariance Gaussian mixture fitted in
// standardized feature space. Immutable after fitGMM returns; retraining
// builds a new model.
type GMM struct {
	Weights   []float64   `json:"weights"`   // len Components, sum 1, ≥ WeightFloor
	Means     [][]float64 `json:"means"`     // Components × Dim
	Variances [][]float64 `json:"variances"` // Components × Dim, ≥ VarianceFloor

	// TrainNLL holds the negative log-likelihood of every training sample,
	// used to calibrate live scores against "normal".
	TrainNLL []float64 `json:"train_nll"`

	// FinalLogLikelihood is the total log-likelihood at convergence.
	FinalLogLikelihood float64 `json:"final_log_likelihood"`
	Iterations         int     `json:"iterations"`

	// llHistory records the total log-likelihood at each E-step, oldest
	// first. Not persisted.
	llHistory []float64
}

// fitGMM runs EM on standardized samples.
//
// Initialization: component means from the first and mid-corpus samples,
// variances from the global per-feature variance, equal weights. E-step in
// log space via log-sum-exp; M-step re-estimates weights, means, variances
// as responsibility-weighted statistics with floors against collapse.
func fitGMM(samples [][]float64, cfg GMMConfig) (*GMM, error) {
	n := len(samples)
	if n < Components {
		return nil, fmt.Errorf("fit gmm: %w: %d samples", feature.ErrNotReady, n)
	}

	globalVar := make([]float64, feature.Dim)
	globalMean := make([]float64, feature.Dim)
	for _, row := range samples {
		for i, x := range row {
			globalMean[i] += x
		}
	}
	for i := range globalMean {
		globalMean[i] /= float64(n)
	}
	for _, row := range samples {
		for i, x := range row {
			d := x - globalMean[i]
			globalVar[i] += d * d
		}
	}
	for i := range globalVar {
		globalVar[i] /= float64(n)
		if globalVar[i] < VarianceFloor {
			globalVar[i] = VarianceFloor
		}
	}

	g := &GMM{
		Weights:   []float64{0.5, 0.5},
		Means:     make([][]float64, Components),
		Variances: make([][]float64, Components),
	}
	g.Means[0] = append([]float64(nil), samples[0]...)
	g.Means[1] = append([]float64(nil), samples[n/2]...)
	for k := 0; k < Components; k++ {
		g.Variances[k] = append([]float64(nil), globalVar...)
	}

	resp := make([][]float64, n) // log responsibilities
	for j := range resp {
		resp[j] = make([]float64, Components)
	}

	prevLL := math.Inf(-1)
	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		// E-step
		ll := 0.0
		for j, row := range samples {
			var comp [Components]float64
			for k := 0; k < Components; k++ {
				comp[k] = math.Log(g.Weights[k]) + logGaussian(row, g.Means[k], g.Variances[k])
			}
			total := logSumExp(comp[:])
			ll += total
			for k := 0; k < Components; k++ {
				resp[j][k] = comp[k] - total
			}
		}
		g.FinalLogLikelihood = ll
		g.Iterations = iter
		g.llHistory = append(g.llHistory, ll)

		if prevLL > math.Inf(-1) {
			rel := math.Abs(ll-prevLL) / (math.Abs(prevLL) + epsilon)
			if rel < cfg.Tolerance {
				break
			}
		}
		prevLL = ll

		// M-step
		for k := 0; k < Components; k++ {
			nk := 0.0
			mean := make([]float64, feature.Dim)
			for j, row := range samples {
				r := math.Exp(resp[j][k])
				nk += r
				for i, x := range row {
					mean[i] += r * x
				}
			}
			if nk < epsilon {
				nk = epsilon
			}
			for i := range mean {
				mean[i] /= nk
			}
			vari := make([]float64, feature.Dim)
			for j, row := range samples {
				r := math.Exp(resp[j][k])
				for i, x := range row {
					d := x - mean[i]
					vari[i] += r * d * d
				}
			}
			for i := range vari {
				vari[i] /= nk
				if vari[i] < VarianceFloor {
					vari[i] = VarianceFloor
				}
			}
			g.Weights[k] = nk / float64(n)
			g.Means[k] = mean
			g.Variances[k] = vari
		}
		floorWeights(g.Weights)
	}

	g.TrainNLL = make([]float64, n)
	for j, row := range samples {
		g.TrainNLL[j] = g.NLL(row)
	}
	return g, nil
}

// NLL returns the negative log-likelihood of one standardized row.
func (g *GMM) NLL(row []float64) float64 {
	var comp [Components]float64
	for k := 0; k < Components; k++ {
		comp[k] = math.Log(g.Weights[k]) + logGaussian(row, g.Means[k], g.Variances[k])
	}
	return -logSumExp(comp[:])
}

// Valid reports whether all model parameters are finite. The persistence
// contract forbids NaN/Inf.
func (g *GMM) Valid() bool {
	if len(g.Weights) != Components || len(g.Means) != Components || len(g.Variances) != Components {
		return false
	}
	if !feature.AllFinite(g.Weights) {
		return false
	}
	for k := 0; k < Components; k++ {
		if len(g.Means[k]) != feature.Dim || len(g.Variances[k]) != feature.Dim {
			return false
		}
		if !feature.AllFinite(g.Means[k]) || !feature.AllFinite(g.Variances[k]) {
			return false
		}
	}
	return true
}

// floorWeights clamps weights at WeightFloor and renormalizes to sum 1.
func floorWeights(w []float64) {
	sum := 0.0
	for i := range w {
		if w[i] < WeightFloor {
			w[i] = WeightFloor
		}
		sum += w[i]
	}
	for i := range w {
		w[i] /= sum
	}
}

const log2Pi = 1.8378770664093453

// logGaussian is the diagonal-covariance Gaussian log-density.
func logGaussian(x, mean, variance []float64) float64 {
	ll := 0.0
	for i := range x {
		v := variance[i]
		if v < VarianceFloor {
			v = VarianceFloor
		}
		d := x[i] - mean[i]
		ll += -0.5 * (log2Pi + math.Log(v) + d*d/v)
	}
	return ll
}

// logSumExp computes log(Σ exp(x_i)) without underflow.
func logSumExp(xs []float64) float64 {
	max := math.Inf(-1)
	for _, x := range xs {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return max
	}
	sum := 0.0
	for _, x := range xs {
		sum += math.Exp(x - max)
	}
	return max + math.Log(sum)
}
