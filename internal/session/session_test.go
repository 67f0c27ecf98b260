package session

import (
	"errors"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"vigild/internal/config"
	"vigild/internal/feature"
	"vigild/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(&logging.Config{Level: slog.LevelError, Component: "test"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

// testConfig lowers the calibration thresholds so tests converge quickly.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Baseline.MinSamplesTouch = 20
	cfg.Baseline.MinSamplesTyping = 20
	cfg.Baseline.MinSamplesMotion = 30
	cfg.Anomaly.MinTrainSamples = 40
	return cfg
}

func ownerSample(rng *rand.Rand) []float64 {
	values := make([]float64, feature.Dim)
	for i := range values {
		values[i] = 0.25 + rng.Float64()*0.5
	}
	return values
}

func feed(t *testing.T, s *Session, rng *rand.Rand, n int) {
	t.Helper()
	ts := time.Now()
	for i := 0; i < n; i++ {
		for _, m := range feature.Modalities {
			v, err := feature.New(m, ownerSample(rng), ts)
			if err != nil {
				t.Fatalf("feature.New: %v", err)
			}
			if err := s.Submit(v); err != nil {
				t.Fatalf("Submit: %v", err)
			}
		}
		ts = ts.Add(100 * time.Millisecond)
	}
}

// waitTrained polls until every modality's Tier-1 model reports trained.
func waitTrained(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		all := true
		for _, m := range feature.Modalities {
			if !snap.ModalityTrained[m] {
				all = false
			}
		}
		if all {
			return
		}
		s.Evaluate(time.Now())
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("tier-1 training did not complete in time")
}

// =============================================================================
// Input validation
// =============================================================================

func TestSubmitRejectsMalformedVector(t *testing.T) {
	s := New(testConfig(), testLogger(t))

	err := s.Submit(feature.Vector{
		Modality:  feature.ModalityTouch,
		Values:    make([]float64, 9),
		Timestamp: time.Now(),
	})
	if !errors.Is(err, feature.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	s.Evaluate(time.Now())
	if n := s.Snapshot().CalibrationCounts[feature.ModalityTouch]; n != 0 {
		t.Errorf("rejected input must not reach the buffer, count=%d", n)
	}
}

// =============================================================================
// Calibration and readiness
// =============================================================================

func TestBaselineBecomesReadyEndToEnd(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	rng := rand.New(rand.NewSource(1))

	feed(t, s, rng, 120)
	snap := s.Evaluate(time.Now())

	for _, m := range feature.Modalities {
		if !snap.ModalityReady[m] {
			t.Errorf("%s should be ready after 120 samples", m)
		}
	}
	if snap.CalibrationProgress != 1 {
		t.Errorf("calibration progress should be 1, got %v", snap.CalibrationProgress)
	}
	if snap.SessionID != s.ID() {
		t.Errorf("snapshot carries wrong session id: %s", snap.SessionID)
	}
}

func TestRiskStaysInRange(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	rng := rand.New(rand.NewSource(2))

	feed(t, s, rng, 120)
	waitTrained(t, s)

	now := time.Now()
	for i := 0; i < 20; i++ {
		snap := s.Evaluate(now.Add(time.Duration(i) * time.Second))
		if snap.Risk < 0 || snap.Risk > 100 {
			t.Fatalf("risk %v out of [0,100]", snap.Risk)
		}
	}
}

// =============================================================================
// Reset
// =============================================================================

func TestResetDiscardsWorkingSet(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	rng := rand.New(rand.NewSource(3))

	feed(t, s, rng, 120)
	waitTrained(t, s)

	s.RequestReset()
	snap := s.Snapshot()
	for _, m := range feature.Modalities {
		if snap.ModalityReady[m] {
			t.Errorf("%s baseline should not survive reset", m)
		}
		if snap.ModalityTrained[m] {
			t.Errorf("%s tier-1 model should not survive reset", m)
		}
		if snap.CalibrationCounts[m] != 0 {
			t.Errorf("%s buffer should be empty after reset", m)
		}
	}
	if snap.Risk != 0 || snap.Escalated {
		t.Errorf("policy state should reinitialize on reset: %+v", snap)
	}
}

// =============================================================================
// Biometric outcomes
// =============================================================================

func TestBiometricSuccessResetsRiskKeepsModels(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	rng := rand.New(rand.NewSource(4))

	feed(t, s, rng, 120)
	waitTrained(t, s)

	s.SubmitBiometricOutcome("success")
	snap := s.Snapshot()
	if snap.Risk != 0 || snap.Escalated {
		t.Errorf("success should reset risk: risk=%v escalated=%v", snap.Risk, snap.Escalated)
	}
	for _, m := range feature.Modalities {
		if !snap.ModalityTrained[m] {
			t.Errorf("%s learned model should survive a biometric success", m)
		}
	}
}

func TestBiometricCancelledChangesNothing(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	before := s.Snapshot()
	s.SubmitBiometricOutcome("cancelled")
	after := s.Snapshot()
	if after.Risk != before.Risk || after.Escalated != before.Escalated ||
		after.TrustCredits != before.TrustCredits {
		t.Errorf("cancelled outcome must not alter policy state: %+v vs %+v", before, after)
	}
}

// =============================================================================
// Subscriptions and persistence
// =============================================================================

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	ch := s.Subscribe()

	s.Evaluate(time.Now())
	select {
	case snap := <-ch:
		if snap.SessionID != s.ID() {
			t.Errorf("subscriber got wrong session id: %s", snap.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber received no snapshot")
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	s := New(testConfig(), testLogger(t))
	rng := rand.New(rand.NewSource(5))

	feed(t, s, rng, 120)
	waitTrained(t, s)

	snaps := s.ExportSnapshots()
	if len(snaps) != len(feature.Modalities) {
		t.Fatalf("expected %d exported snapshots, got %d", len(feature.Modalities), len(snaps))
	}

	restored := New(testConfig(), testLogger(t))
	if err := restored.RestoreSnapshots(snaps); err != nil {
		t.Fatalf("RestoreSnapshots: %v", err)
	}
	snap := restored.Snapshot()
	for _, m := range feature.Modalities {
		if !snap.ModalityReady[m] {
			t.Errorf("%s baseline should be ready after restore", m)
		}
		if !snap.ModalityTrained[m] {
			t.Errorf("%s tier-1 model should be trained after restore", m)
		}
	}
}

// =============================================================================
// Config reload
// =============================================================================

func TestApplyConfigTakesEffect(t *testing.T) {
	s := New(testConfig(), testLogger(t))

	cfg := testConfig()
	cfg.Policy.MaxTrustCredits = 1
	s.ApplyConfig(cfg)
	s.Evaluate(time.Now())
	if got := s.Snapshot().TrustCredits; got != 1 {
		t.Errorf("policy config should apply live, credits=%d", got)
	}
}
