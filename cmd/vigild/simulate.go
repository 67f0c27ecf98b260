package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"vigild/internal/config"
	"vigild/internal/feature"
	"vigild/internal/logging"
	"vigild/internal/session"
)

// cmdSimulate runs the full pipeline in-process: an owner phase that
// calibrates the profile, then an intruder phase with shifted behavior, and
// prints the risk timeline. Useful for demos and for eyeballing threshold
// tuning without a device.
func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	ownerWindows := fs.Int("owner", 150, "owner-phase samples per modality")
	intruderWindows := fs.Int("intruder", 60, "intruder-phase samples per modality")
	shift := fs.Float64("shift", 2.0, "intruder mean shift in feature units")
	seed := fs.Int64("seed", 42, "random seed")
	fs.Parse(args)

	cfg := config.DefaultConfig()
	log, err := logging.New(&logging.Config{
		Level:     logging.ParseLevel("warn"),
		Component: "simulate",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	rng := rand.New(rand.NewSource(*seed))
	sess := session.New(cfg, log)
	base := time.Now()

	fmt.Println("phase=owner (calibrating)")
	for i := 0; i < *ownerWindows; i++ {
		ts := base.Add(time.Duration(i) * 100 * time.Millisecond)
		for _, m := range feature.Modalities {
			v, _ := feature.New(m, ownerSample(rng), ts)
			sess.Submit(v)
		}
		if i%10 == 9 {
			snap := sess.Evaluate(ts)
			fmt.Printf("  t=%3d risk=%6.2f level=%-8s calib=%.0f%%\n",
				i+1, snap.Risk, snap.Level, snap.CalibrationProgress*100)
		}
	}

	// Give in-flight Tier-1 training a moment to land.
	time.Sleep(200 * time.Millisecond)

	fmt.Println("phase=intruder")
	for i := 0; i < *intruderWindows; i++ {
		ts := base.Add(time.Duration(*ownerWindows+i) * 100 * time.Millisecond)
		for _, m := range feature.Modalities {
			v, _ := feature.New(m, intruderSample(rng, *shift), ts)
			sess.Submit(v)
		}
		snap := sess.Evaluate(ts)
		if i%5 == 4 || snap.Escalated {
			fmt.Printf("  t=%3d risk=%6.2f level=%-8s escalated=%v credits=%d\n",
				i+1, snap.Risk, snap.Level, snap.Escalated, snap.TrustCredits)
		}
		if snap.Escalated {
			fmt.Println("escalation reached; simulation done")
			return
		}
	}
	fmt.Println("simulation done without escalation")
}

// ownerSample draws features around the synthetic owner profile: timing
// features near 0.5, variance features near 0.3, ratio features near 0.
func ownerSample(rng *rand.Rand) []float64 {
	values := make([]float64, feature.Dim)
	for i := range values {
		switch {
		case i < 4:
			values[i] = 0.5 + rng.NormFloat64()*0.1
		case i < 7:
			values[i] = 0.3 + rng.NormFloat64()*0.05
		default:
			values[i] = rng.NormFloat64() * 0.1
		}
		if values[i] < 0 && i < 7 {
			values[i] = 0
		}
	}
	return values
}

// intruderSample shifts every feature away from the owner profile.
func intruderSample(rng *rand.Rand, shift float64) []float64 {
	values := ownerSample(rng)
	for i := range values {
		values[i] += shift * (0.3 + 0.1*float64(i%3))
	}
	return values
}
