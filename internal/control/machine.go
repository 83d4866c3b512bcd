package control

import "time"

// Phase of the trigger state machine.
type Phase int

const (
	// PhaseIdle waits for the signal to rise above the threshold.
	PhaseIdle Phase = iota
	// PhaseFiring covers the markers and the action after a crossing.
	PhaseFiring
	// PhaseGrace waits out the grace period, then for the signal to fall
	// below the threshold.
	PhaseGrace
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFiring:
		return "firing"
	case PhaseGrace:
		return "grace_period"
	default:
		return "unknown"
	}
}

// Transition is what an observation did to the machine.
type Transition int

const (
	NoTransition Transition = iota
	// Fire: Idle -> Firing. The caller runs the action, then calls Fired.
	Fire
	// Release: Grace -> Idle.
	Release
)

// Machine is the threshold/grace logic with no I/O and no clock of its own.
// Values equal to the threshold neither fire nor release.
type Machine struct {
	threshold float64
	grace     time.Duration

	phase Phase
	tFire time.Time
}

func NewMachine(threshold float64, grace time.Duration) *Machine {
	return &Machine{threshold: threshold, grace: grace}
}

func (m *Machine) Phase() Phase { return m.phase }

// FiredAt is the time recorded by the last Fired call.
func (m *Machine) FiredAt() time.Time { return m.tFire }

// Observe feeds one polled value taken at now.
func (m *Machine) Observe(v float64, now time.Time) Transition {
	switch m.phase {
	case PhaseIdle:
		if v > m.threshold {
			m.phase = PhaseFiring
			return Fire
		}
	case PhaseGrace:
		if now.Sub(m.tFire) > m.grace && v < m.threshold {
			m.phase = PhaseIdle
			return Release
		}
	}
	return NoTransition
}

// Fired closes a Fire transition. now is taken after the action returned,
// so the grace period starts when the action is done.
func (m *Machine) Fired(now time.Time) {
	if m.phase != PhaseFiring {
		return
	}
	m.tFire = now
	m.phase = PhaseGrace
}

// Reset returns to Idle.
func (m *Machine) Reset() {
	m.phase = PhaseIdle
	m.tFire = time.Time{}
}
