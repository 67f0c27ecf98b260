// Package feature defines the behavioral feature vector consumed by the
// decision pipeline.
//
// Collectors (touch, motion, typing) live outside this module. They deliver
// fixed-shape vectors of derived features per modality; the pipeline never
// sees raw input events, only these vectors. Each vector carries exactly
// Dim features. Anything else is rejected at the boundary rather than
// padded or truncated.
package feature

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Dim is the fixed feature dimensionality for every modality.
const Dim = 10

// Modality identifies the behavioral channel a vector was derived from.
type Modality string

const (
	ModalityTouch  Modality = "touch"
	ModalityMotion Modality = "motion"
	ModalityTyping Modality = "typing"
)

// Modalities lists all supported modalities in a stable order.
var Modalities = []Modality{ModalityTouch, ModalityMotion, ModalityTyping}

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	switch m {
	case ModalityTouch, ModalityMotion, ModalityTyping:
		return true
	}
	return false
}

// Sentinel errors shared across the pipeline.
//
// ErrNotReady is deliberately distinct from a zero or low score: callers must
// treat "no answer yet" differently from "everything looks normal".
var (
	// ErrInvalidInput indicates a malformed vector (wrong dimensionality or
	// unknown modality). This is the only hard rejection in the pipeline.
	ErrInvalidInput = errors.New("invalid feature input")

	// ErrNotReady indicates a baseline or model has not accumulated enough
	// samples to produce an answer.
	ErrNotReady = errors.New("not ready")

	// ErrNumericalInstability indicates a covariance matrix that is not
	// positive-definite even after regularization. The owning baseline is
	// unusable and must be re-collected.
	ErrNumericalInstability = errors.New("numerical instability")
)

// Vector is one behavioral feature sample.
type Vector struct {
	Modality  Modality  `json:"modality"`
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a validated, sanitized vector. Vectors of the wrong length or
// with an unknown modality are rejected with ErrInvalidInput. Non-finite
// entries are sanitized to 0.
func New(m Modality, values []float64, ts time.Time) (Vector, error) {
	if !m.Valid() {
		return Vector{}, fmt.Errorf("%w: unknown modality %q", ErrInvalidInput, m)
	}
	if len(values) != Dim {
		return Vector{}, fmt.Errorf("%w: got %d features, want %d", ErrInvalidInput, len(values), Dim)
	}
	out := make([]float64, Dim)
	copy(out, values)
	Sanitize(out)
	return Vector{Modality: m, Values: out, Timestamp: ts}, nil
}

// Validate checks an already-constructed vector against the same rules as New.
func (v Vector) Validate() error {
	if !v.Modality.Valid() {
		return fmt.Errorf("%w: unknown modality %q", ErrInvalidInput, v.Modality)
	}
	if len(v.Values) != Dim {
		return fmt.Errorf("%w: got %d features, want %d", ErrInvalidInput, len(v.Values), Dim)
	}
	return nil
}

// Sanitize replaces NaN and ±Inf entries with 0 in place.
func Sanitize(values []float64) {
	for i, x := range values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			values[i] = 0
		}
	}
}

// AllFinite reports whether every entry is a finite number.
func AllFinite(values []float64) bool {
	for _, x := range values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
