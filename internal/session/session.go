// Package session orchestrates the decision pipeline for one active user
// session.
//
// A Session owns the whole working set (modality buffers, baselines,
// Tier-1 scorers, fusion engine and policy machine) as one object graph.
// Reset rebuilds that graph wholesale instead of clearing fields one by one,
// which rules out partial-reset bugs by construction.
//
// Concurrency model: producers submit feature vectors from any goroutine;
// the periodic evaluation loop is the only writer of the fused risk and
// policy state. The externally visible state is an atomically published
// immutable snapshot, so UI-cadence readers never contend with the pipeline.
// Tier-1 training runs on a background goroutine guarded by a generation
// counter: results from a pass that straddles a reset are discarded, never
// merged into fresh state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"vigild/internal/anomaly"
	"vigild/internal/baseline"
	"vigild/internal/config"
	"vigild/internal/feature"
	"vigild/internal/fusion"
	"vigild/internal/logging"
	"vigild/internal/policy"
	"vigild/internal/store"
)

// Snapshot is the externally visible risk state, published atomically for
// lock-free reads.
type Snapshot struct {
	SessionID           string                        `json:"session_id"`
	Risk                float64                       `json:"risk"`
	Level               policy.Level                  `json:"level"`
	Escalated           bool                          `json:"escalated"`
	TrustCredits        int                           `json:"trust_credits"`
	ModalityReady       map[feature.Modality]bool     `json:"modality_ready"`
	ModalityTrained     map[feature.Modality]bool     `json:"modality_trained"`
	CalibrationCounts   map[feature.Modality]int      `json:"calibration_counts"`
	CalibrationProgress float64                       `json:"calibration_progress"`
	UpdatedAt           time.Time                     `json:"updated_at"`
}

// pipeline is the per-generation object graph. Replaced wholesale on reset.
type pipeline struct {
	baseline *baseline.Engine
	scorers  map[feature.Modality]anomaly.Scorer
	calib    *anomaly.Calibrator
	fusion   *fusion.Engine
	policy   *policy.Machine
}

// Session is one continuous-authentication session.
type Session struct {
	id  string
	log *logging.Logger

	mu         sync.Mutex
	cfg        *config.Config
	pipe       *pipeline
	generation atomic.Uint64
	training   map[feature.Modality]bool
	lastP1     float64
	lastP1OK   bool
	stationary atomic.Bool

	snapshot atomic.Pointer[Snapshot]

	subMu sync.Mutex
	subs  []chan Snapshot
}

// New creates a session with a fresh pipeline.
func New(cfg *config.Config, log *logging.Logger) *Session {
	s := &Session{
		id:       uuid.NewString(),
		log:      log,
		cfg:      cfg,
		training: make(map[feature.Modality]bool),
	}
	s.pipe = s.newPipeline(time.Now())
	s.publishLocked(time.Now())
	return s
}

// newPipeline builds a fresh object graph from the current configuration.
func (s *Session) newPipeline(now time.Time) *pipeline {
	scorers := make(map[feature.Modality]anomaly.Scorer, len(feature.Modalities))
	for _, m := range feature.Modalities {
		scorers[m] = anomaly.NewScorer(anomaly.Strategy(s.cfg.Anomaly.Strategy), m, s.cfg.Anomaly.GMM)
	}
	return &pipeline{
		baseline: baseline.NewEngine(s.cfg.Baseline),
		scorers:  scorers,
		calib:    &anomaly.Calibrator{},
		fusion:   fusion.NewEngine(s.cfg.Fusion, now),
		policy:   policy.NewMachine(s.cfg.Policy),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Submit feeds one feature vector into the pipeline. Only malformed input
// (wrong dimensionality, unknown modality) is surfaced to the caller;
// numerical trouble inside the baseline is recovered by re-collection.
func (s *Session) Submit(v feature.Vector) error {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()

	if err := pipe.baseline.AddFeatures(v); err != nil {
		if errors.Is(err, feature.ErrInvalidInput) {
			return err
		}
		// Baseline establishment failed; the buffer was dropped for
		// re-collection. Not a caller error.
		s.log.Warn("baseline establishment failed, re-collecting",
			"modality", string(v.Modality), "error", err)
		return nil
	}

	s.maybeTrain(v.Modality)
	return nil
}

// SetDeviceStationary records the host's stationary-device hint, which
// lowers the motion modality's confidence weight.
func (s *Session) SetDeviceStationary(stationary bool) {
	s.stationary.Store(stationary)
}

// maybeTrain kicks off Tier-1 training for a modality once enough raw
// samples have accumulated. Training runs off the produce path; at most one
// pass per modality is in flight.
func (s *Session) maybeTrain(m feature.Modality) {
	s.mu.Lock()
	pipe := s.pipe
	if s.training[m] || pipe.scorers[m].Trained() ||
		pipe.baseline.SampleCount(m) < s.cfg.Anomaly.MinTrainSamples {
		s.mu.Unlock()
		return
	}
	s.training[m] = true
	gen := s.generation.Load()
	samples := pipe.baseline.Samples(m)
	scorer := pipe.scorers[m]
	calib := pipe.calib
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.training[m] = false
			s.mu.Unlock()
		}()

		start := time.Now()
		err := scorer.Train(samples)

		// A reset while training was in flight invalidates the pass: the
		// scorer object belongs to the old pipeline, so it must not feed
		// the (new) calibrator.
		if s.generation.Load() != gen {
			s.log.Info("discarding stale training pass", "modality", string(m))
			return
		}
		if err != nil {
			s.log.Warn("tier-1 training failed", "modality", string(m), "error", err)
			return
		}
		calib.Observe(scorer.TrainingScores())
		s.log.Info("tier-1 model trained",
			"modality", string(m),
			"samples", len(samples),
			"duration", time.Since(start).String())
	}()
}

// Run drives the periodic re-evaluation loop until ctx is cancelled. The
// loop keeps risk, calibration progress and trust-credit regeneration live
// even when no new feature vectors arrive, and tolerates coarse scheduling
// jitter: all decisions depend on sampled wall-clock time, not tick count.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.EvalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Evaluate(now)
		}
	}
}

// Evaluate runs one pipeline pass: Tier-0 distance, gated Tier-1 scoring,
// fusion, policy, snapshot publication.
func (s *Session) Evaluate(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	pipe := s.pipe

	d2, err := pipe.baseline.MaxDistance()
	if err != nil {
		// No tier can answer yet (or anymore). Let the policy machine run
		// its time-driven behavior and decay conservatively.
		pipe.policy.Tick(now)
		return s.publishLocked(now)
	}

	p0 := pipe.fusion.MapDistance(d2)

	if pipe.fusion.ShouldInvokeTier1(p0, now) {
		probs := make(map[feature.Modality]float64)
		for m, scorer := range pipe.scorers {
			window := pipe.baseline.RecentWindow(m)
			if len(window) == 0 {
				continue
			}
			raw, err := scorer.Score(window)
			if err != nil {
				continue // not trained yet: excluded from the weighted sum
			}
			p, err := pipe.calib.Probability(raw)
			if err != nil {
				continue
			}
			probs[m] = p
		}
		ctx := fusion.Context{DeviceStationary: s.stationary.Load()}
		if combined, ok := pipe.fusion.CombineTier1(probs, ctx); ok {
			s.lastP1 = combined
			s.lastP1OK = true
			pipe.fusion.NoteTier1Run(now)
		}
	}

	risk := pipe.fusion.Fuse(p0, s.lastP1, s.lastP1OK, now)
	pipe.policy.ProcessRisk(risk, now)
	return s.publishLocked(now)
}

// ApplyConfig applies a reloaded configuration. Fusion weights and policy
// thresholds take effect immediately; baseline and anomaly settings apply on
// the next reset because they shape already-learned state.
func (s *Session) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.pipe.fusion.SetConfig(cfg.Fusion)
	s.pipe.policy.SetConfig(cfg.Policy)
	s.log.Info("configuration reloaded", "session", s.id)
}

// SubmitBiometricOutcome applies the authentication collaborator's verdict.
func (s *Session) SubmitBiometricOutcome(outcome policy.BiometricOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	switch outcome {
	case policy.BiometricSuccess:
		// The only path that fully resets risk: clear the policy state and
		// restart the smoothed risk stream. Learned profiles stay valid:
		// the owner just proved themselves.
		s.pipe.policy.OnBiometricSuccess()
		s.pipe.fusion = fusion.NewEngine(s.cfg.Fusion, now)
		s.lastP1 = 0
		s.lastP1OK = false
		s.log.Info("biometric success, risk reset", "session", s.id)
	case policy.BiometricFailure:
		s.pipe.policy.OnBiometricFailure()
		s.log.Warn("biometric failure, escalation holds", "session", s.id)
	default:
		// Cancelled: escalation stands, nothing else changes.
		s.log.Info("biometric prompt cancelled", "session", s.id)
	}
	s.publishLocked(now)
}

// RequestReset destroys the session working set and rebuilds it from
// scratch, invalidating any in-flight training pass.
func (s *Session) RequestReset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation.Add(1)
	now := time.Now()
	s.pipe = s.newPipeline(now)
	s.training = make(map[feature.Modality]bool)
	s.lastP1 = 0
	s.lastP1OK = false
	s.log.Info("session reset", "session", s.id)
	s.publishLocked(now)
}

// Snapshot returns the last published risk state without locking.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Subscribe returns a channel receiving every published snapshot. Slow
// consumers miss intermediate snapshots rather than blocking the pipeline.
func (s *Session) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// publishLocked assembles and atomically publishes a snapshot.
// Caller holds s.mu.
func (s *Session) publishLocked(now time.Time) Snapshot {
	pipe := s.pipe
	st := pipe.policy.CurrentState()

	snap := Snapshot{
		SessionID:           s.id,
		Risk:                st.Risk,
		Level:               st.Level,
		Escalated:           st.Escalated,
		TrustCredits:        st.TrustCredits,
		ModalityReady:       make(map[feature.Modality]bool, len(feature.Modalities)),
		ModalityTrained:     make(map[feature.Modality]bool, len(feature.Modalities)),
		CalibrationCounts:   make(map[feature.Modality]int, len(feature.Modalities)),
		CalibrationProgress: pipe.baseline.CalibrationProgress(),
		UpdatedAt:           now,
	}
	for _, m := range feature.Modalities {
		snap.ModalityReady[m] = pipe.baseline.Ready(m)
		snap.ModalityTrained[m] = pipe.scorers[m].Trained()
		snap.CalibrationCounts[m] = pipe.baseline.SampleCount(m)
	}
	s.snapshot.Store(&snap)

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	s.subMu.Unlock()
	return snap
}

// ExportSnapshots builds persistable snapshots for every modality with an
// established baseline.
func (s *Session) ExportSnapshots() []*store.ModalitySnapshot {
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()

	now := time.Now()
	var out []*store.ModalitySnapshot
	for _, m := range feature.Modalities {
		b := pipe.baseline.Snapshot(m)
		if b == nil {
			continue
		}
		snap := &store.ModalitySnapshot{
			Modality:  m,
			CreatedAt: now,
			Baseline:  b,
		}
		if ds, ok := pipe.scorers[m].(*anomaly.DensityScorer); ok {
			if pre, model := ds.Model(); model != nil {
				snap.Preprocessor = pre
				snap.Mixture = model
			}
		}
		out = append(out, snap)
	}
	return out
}

// RestoreSnapshots installs persisted baselines and Tier-1 models so a
// learned profile survives a restart. Snapshots that fail validation are
// skipped; the modality simply re-calibrates.
func (s *Session) RestoreSnapshots(snaps []*store.ModalitySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pipe := s.pipe

	var firstErr error
	for _, snap := range snaps {
		if snap.Baseline != nil {
			if err := pipe.baseline.Restore(snap.Modality, snap.Baseline); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("restore %s: %w", snap.Modality, err)
				}
				continue
			}
		}
		if snap.Preprocessor != nil && snap.Mixture != nil &&
			anomaly.Strategy(s.cfg.Anomaly.Strategy) == anomaly.StrategyDensity {
			ds, err := anomaly.RestoredDensityScorer(snap.Modality, s.cfg.Anomaly.GMM, snap.Preprocessor, snap.Mixture)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("restore %s scorer: %w", snap.Modality, err)
				}
				continue
			}
			pipe.scorers[snap.Modality] = ds
			pipe.calib.Observe(ds.TrainingScores())
		}
	}
	s.publishLocked(time.Now())
	return firstErr
}
