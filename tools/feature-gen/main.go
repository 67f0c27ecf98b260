// feature-gen emits a synthetic behavioral feature stream as JSONL on
// stdout, suitable for piping into `vigild run -input -`.
//
// The stream has two phases: an owner phase drawn from a fixed synthetic
// profile, then an intruder phase with shifted feature means. Control
// events (reset, biometric outcomes) can be injected at fixed offsets to
// exercise the policy machine end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"
)

const dim = 10

type event struct {
	Modality  string    `json:"modality"`
	Values    []float64 `json:"values,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Control   string    `json:"control,omitempty"`
}

func main() {
	ownerN := flag.Int("owner", 150, "owner-phase samples per modality")
	intruderN := flag.Int("intruder", 100, "intruder-phase samples per modality")
	shift := flag.Float64("shift", 2.0, "intruder mean shift")
	seed := flag.Int64("seed", 1, "random seed")
	stepMs := flag.Int("step", 100, "milliseconds between samples")
	biometricAt := flag.Int("biometric-at", 0, "emit biometric_success after N intruder samples (0 = never)")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	enc := json.NewEncoder(os.Stdout)
	modalities := []string{"touch", "motion", "typing"}
	ts := time.Now()
	step := time.Duration(*stepMs) * time.Millisecond

	emit := func(ev event) {
		if err := enc.Encode(ev); err != nil {
			fmt.Fprintf(os.Stderr, "feature-gen: %v\n", err)
			os.Exit(1)
		}
	}

	for i := 0; i < *ownerN; i++ {
		for _, m := range modalities {
			emit(event{Modality: m, Values: sample(rng, 0), Timestamp: ts})
		}
		ts = ts.Add(step)
	}

	for i := 0; i < *intruderN; i++ {
		for _, m := range modalities {
			emit(event{Modality: m, Values: sample(rng, *shift), Timestamp: ts})
		}
		if *biometricAt > 0 && i == *biometricAt {
			emit(event{Timestamp: ts, Control: "biometric_success"})
		}
		ts = ts.Add(step)
	}
}

// sample draws one feature vector from the synthetic profile, shifted by
// the given amount per feature group.
func sample(rng *rand.Rand, shift float64) []float64 {
	values := make([]float64, dim)
	for i := range values {
		switch {
		case i < 4:
			values[i] = 0.5 + rng.NormFloat64()*0.1
		case i < 7:
			values[i] = 0.3 + rng.NormFloat64()*0.05
		default:
			values[i] = rng.NormFloat64() * 0.1
		}
		values[i] += shift * (0.3 + 0.1*float64(i%3))
		if values[i] < 0 && i < 7 {
			values[i] = 0
		}
	}
	return values
}
