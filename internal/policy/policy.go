// Package policy implements the escalation state machine.
//
// The machine consumes the smoothed risk stream and decides when the host
// must demand re-authentication. Hysteresis (consecutive-window counters)
// keeps a single noisy sample from flipping state, and a small trust-credit
// budget keeps borderline escalations from nagging the owner.
//
// No risk input ever panics or errors: out-of-range values are clamped, and
// if the pipeline goes quiet the machine decays toward a conservative
// non-escalated Low state rather than blocking.
package policy

import (
	"sync"
	"time"
)

// Level is the ordered risk level derived from the smoothed risk value.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for comparisons.
func (l Level) rank() int {
	switch l {
	case LevelCritical:
		return 3
	case LevelHigh:
		return 2
	case LevelMedium:
		return 1
	}
	return 0
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool { return l.rank() >= other.rank() }

// BiometricOutcome is the result reported by the authentication collaborator.
type BiometricOutcome string

const (
	BiometricSuccess   BiometricOutcome = "success"
	BiometricFailure   BiometricOutcome = "failure"
	BiometricCancelled BiometricOutcome = "cancelled"
)

// Config holds the policy thresholds and hysteresis windows.
type Config struct {
	MediumThreshold   float64 `toml:"medium_threshold" json:"medium_threshold"`
	HighThreshold     float64 `toml:"high_threshold" json:"high_threshold"`
	CriticalThreshold float64 `toml:"critical_threshold" json:"critical_threshold"`

	// EscalateAfter is the number of consecutive windows above the High
	// threshold that forces escalation without a Critical sample.
	EscalateAfter int `toml:"escalate_after" json:"escalate_after"`

	// DeescalateAfter is the number of consecutive windows below the Medium
	// threshold required to clear an escalation.
	DeescalateAfter int `toml:"deescalate_after" json:"deescalate_after"`

	// MaxTrustCredits bounds the re-authentication budget.
	MaxTrustCredits int `toml:"max_trust_credits" json:"max_trust_credits"`

	// CreditRegenInterval is how often one trust credit regenerates while
	// risk stays below the Medium threshold.
	CreditRegenInterval time.Duration `toml:"credit_regen_interval" json:"credit_regen_interval"`

	// StaleAfter is how long the machine waits without any risk sample
	// before decaying toward the conservative Low state.
	StaleAfter time.Duration `toml:"stale_after" json:"stale_after"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MediumThreshold:     60,
		HighThreshold:       75,
		CriticalThreshold:   85,
		EscalateAfter:       5,
		DeescalateAfter:     10,
		MaxTrustCredits:     3,
		CreditRegenInterval: 30 * time.Second,
		StaleAfter:          60 * time.Second,
	}
}

// State is the externally visible policy state. Values are copies; the
// machine's own state is only mutated under its lock.
type State struct {
	Risk            float64   `json:"risk"`
	Level           Level     `json:"level"`
	Escalated       bool      `json:"escalated"`
	TrustCredits    int       `json:"trust_credits"`
	ConsecutiveHigh int       `json:"consecutive_high"`
	ConsecutiveLow  int       `json:"consecutive_low"`
	LastSample      time.Time `json:"last_sample"`
}

// Machine is the per-session policy state machine.
type Machine struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	lastRegen time.Time
}

// NewMachine creates a machine in the initial Monitor state with a full
// trust-credit budget.
func NewMachine(cfg Config) *Machine {
	return &Machine{
		cfg: cfg,
		state: State{
			Level:        LevelLow,
			TrustCredits: cfg.MaxTrustCredits,
		},
	}
}

// SetConfig swaps thresholds and windows without resetting state. Used by
// live config reload; the trust-credit balance is clamped to the new cap.
func (m *Machine) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	if m.state.TrustCredits > cfg.MaxTrustCredits {
		m.state.TrustCredits = cfg.MaxTrustCredits
	}
}

// ProcessRisk folds one smoothed risk sample into the machine and returns
// the resulting state. Out-of-range inputs are clamped to [0,100].
func (m *Machine) ProcessRisk(risk float64, now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if risk < 0 {
		risk = 0
	} else if risk > 100 {
		risk = 100
	}

	m.state.Risk = risk
	m.state.Level = m.levelFor(risk)
	m.state.LastSample = now

	// Hysteresis counters.
	if risk > m.cfg.HighThreshold {
		m.state.ConsecutiveHigh++
		m.state.ConsecutiveLow = 0
	} else {
		m.state.ConsecutiveHigh = 0
		if risk < m.cfg.MediumThreshold {
			m.state.ConsecutiveLow++
		} else {
			m.state.ConsecutiveLow = 0
		}
	}

	// Escalation: one Critical sample, or sustained High.
	if !m.state.Escalated {
		if risk > m.cfg.CriticalThreshold || m.state.ConsecutiveHigh >= m.cfg.EscalateAfter {
			m.state.Escalated = true
			// Borderline escalations (risk in the yellow zone between the
			// Medium and High thresholds) spend a trust credit; clear-cut
			// ones do not, so the budget only throttles nagging.
			if risk >= m.cfg.MediumThreshold && risk < m.cfg.HighThreshold && m.state.TrustCredits > 0 {
				m.state.TrustCredits--
			}
		}
	} else if m.state.ConsecutiveLow >= m.cfg.DeescalateAfter {
		m.state.Escalated = false
	}

	m.regenCredits(now)
	return m.state
}

// Tick advances time-driven behavior without a new risk sample: trust-credit
// regeneration, and the conservative decay toward Low when the pipeline has
// been silent past StaleAfter.
func (m *Machine) Tick(now time.Time) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.LastSample.IsZero() && m.cfg.StaleAfter > 0 &&
		now.Sub(m.state.LastSample) > m.cfg.StaleAfter {
		// All tiers unavailable for an extended period: drift down rather
		// than holding (or raising) an unsupported escalation.
		m.state.Risk *= 0.9
		m.state.Level = m.levelFor(m.state.Risk)
		if m.state.Risk < m.cfg.MediumThreshold {
			m.state.ConsecutiveLow++
			m.state.ConsecutiveHigh = 0
			if m.state.Escalated && m.state.ConsecutiveLow >= m.cfg.DeescalateAfter {
				m.state.Escalated = false
			}
		}
	}

	m.regenCredits(now)
	return m.state
}

// OnBiometricSuccess fully resets risk after a successful re-authentication.
// Idempotent: calling it redundantly is safe.
func (m *Machine) OnBiometricSuccess() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Risk = 0
	m.state.Level = LevelLow
	m.state.Escalated = false
	m.state.TrustCredits = m.cfg.MaxTrustCredits
	m.state.ConsecutiveHigh = 0
	m.state.ConsecutiveLow = 0
	return m.state
}

// OnBiometricFailure keeps the escalation active and spends one more trust
// credit, enabling prompt retry without resetting risk.
func (m *Machine) OnBiometricFailure() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Escalated = true
	if m.state.TrustCredits > 0 {
		m.state.TrustCredits--
	}
	return m.state
}

// Reset reinitializes the machine for a new session, independent of any
// biometric outcome.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state = State{
		Level:        LevelLow,
		TrustCredits: m.cfg.MaxTrustCredits,
	}
	m.lastRegen = time.Time{}
}

// CurrentState returns a copy of the current state.
func (m *Machine) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// levelFor maps a clamped risk value to its level. Caller holds the lock.
func (m *Machine) levelFor(risk float64) Level {
	switch {
	case risk >= m.cfg.CriticalThreshold:
		return LevelCritical
	case risk >= m.cfg.HighThreshold:
		return LevelHigh
	case risk >= m.cfg.MediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// regenCredits restores one credit per interval while risk stays below the
// Medium threshold. Caller holds the lock.
func (m *Machine) regenCredits(now time.Time) {
	if m.state.Risk >= m.cfg.MediumThreshold {
		m.lastRegen = now
		return
	}
	if m.lastRegen.IsZero() {
		m.lastRegen = now
		return
	}
	if now.Sub(m.lastRegen) >= m.cfg.CreditRegenInterval {
		if m.state.TrustCredits < m.cfg.MaxTrustCredits {
			m.state.TrustCredits++
		}
		m.lastRegen = now
	}
}
