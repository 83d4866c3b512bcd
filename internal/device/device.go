// Package device is the seam to the implant SDK: the narrow interfaces the
// acquisition core consumes, plus in-process stand-ins (simulator, replay,
// control pattern) that drive the pipeline without hardware.
package device

import "errors"

var (
	ErrNotMeasuring     = errors.New("device: measurement not running")
	ErrAlreadyMeasuring = errors.New("device: measurement already running")
	ErrNoStimulation    = errors.New("device: no stimulation command enqueued")
	ErrPoweredOff       = errors.New("device: implant power is off")
)

// Listener receives device callbacks. Only the hooks the acquisition core
// uses are part of the seam.
type Listener interface {
	// OnData delivers one batch of channel-interleaved samples sharing one
	// measurement counter.
	OnData(flat []float64, counter int64)
	OnMeasurementStateChanged(measuring bool)
}

// Amplification is the recording amplification factor.
type Amplification int

const (
	Amplification39_5dB Amplification = iota
	Amplification57_5dB
)

func (a Amplification) String() string {
	switch a {
	case Amplification39_5dB:
		return "39.5dB"
	case Amplification57_5dB:
		return "57.5dB"
	}
	return "unknown"
}

// StimulationMode selects how an enqueued command is executed.
type StimulationMode int

const (
	// StimModePersistentPreloading keeps the command loaded so that
	// StartStimulation has the shortest possible latency.
	StimModePersistentPreloading StimulationMode = iota
	StimModeOneShot
)

// StimulationCommand is an opaque, already-validated command built by the
// SDK. Waveform construction is not done here.
type StimulationCommand struct {
	Name   string
	Params map[string]float64
}

// Telemetry is a point-in-time reading of implant housekeeping values.
type Telemetry struct {
	Humidity     float64
	Temperature  float64
	VoltageV     float64
	Stimulating  bool
	Measuring    bool
	PoweredOn    bool
	Stimulations int
}

// Device is the subset of the implant API the manager drives.
type Device interface {
	RegisterListener(l Listener)
	StartMeasurement(refChannels []int, amp Amplification, useGround bool) error
	StopMeasurement() error
	EnqueueStimulation(cmd StimulationCommand, mode StimulationMode) error
	StartStimulation() error
	StopStimulation() error
	SetPower(on bool) error
	Telemetry() (Telemetry, error)
	ChannelCount() int
}

// PulseParams describes one biphasic pulse between two electrodes.
type PulseParams struct {
	AmplitudeUA   float64 `yaml:"amplitude_ua" env:"AMPLITUDE_UA"`
	PulseWidthUS  float64 `yaml:"pulse_width_us" env:"PULSE_WIDTH_US"`
	DZ0US         float64 `yaml:"dz0_us" env:"DZ0_US"`
	DZ1US         float64 `yaml:"dz1_us" env:"DZ1_US"`
	StimChannel   int     `yaml:"stim_channel" env:"STIM_CHANNEL"`
	ReturnChannel int     `yaml:"return_channel" env:"RETURN_CHANNEL"`
}

// DefaultPulse is a single 3060 µA, 60 µs pulse from electrode 0 to 1.
func DefaultPulse() PulseParams {
	return PulseParams{
		AmplitudeUA:   3060,
		PulseWidthUS:  60,
		DZ0US:         10,
		DZ1US:         7360,
		StimChannel:   0,
		ReturnChannel: 1,
	}
}

// SinglePulse builds the command preloaded for closed-loop triggering.
func SinglePulse(p PulseParams) StimulationCommand {
	return StimulationCommand{
		Name: "single_pulse",
		Params: map[string]float64{
			"amplitude_ua":   p.AmplitudeUA,
			"pulse_width_us": p.PulseWidthUS,
			"dz0_us":         p.DZ0US,
			"dz1_us":         p.DZ1US,
			"stim_channel":   float64(p.StimChannel),
			"return_channel": float64(p.ReturnChannel),
			"repetitions":    1,
		},
	}
}
