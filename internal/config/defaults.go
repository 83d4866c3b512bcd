package config

import (
	"time"

	"ct-bic/internal/device"
)

func DefaultConfig() *Config {
	return &Config{
		Stream:    DefaultStreamConfig(),
		Device:    DefaultDeviceConfig(),
		Control:   DefaultControlConfig(),
		Marker:    DefaultMarkerConfig(),
		Recording: DefaultRecordingConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Metrics:   DefaultMetricsConfig(),
	}
}

// DefaultStreamConfig: 32 channels at 1 kHz, 5 s of history.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:         "ct_bic",
		Type:         "EEG",
		SampleRate:   1000,
		ChannelCount: 32,
		BufferSizeS:  5,
		MaxBufferedS: 5,
	}
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Kind:              "simulator",
		ReplayLoop:        true,
		Amplification:     "39.5dB",
		UseGround:         true,
		BatchSize:         8,
		TelemetryInterval: 10 * time.Second,
		Pulse:             device.DefaultPulse(),
	}
}

// DefaultControlConfig watches channel 0 of the "control_signal" stream.
// The threshold is the value the manager has always listened with.
func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		StreamName:       "control_signal",
		SourceURL:        "ws://127.0.0.1:8090",
		ChannelCount:     1,
		BufferSizeS:      1,
		SampleRate:       100,
		Channel:          0,
		Threshold:        127,
		PollInterval:     200 * time.Microsecond,
		GracePeriod:      1500 * time.Millisecond,
		PollPolicy:       "busy",
		Relisten:         false,
		RelistenMaxDelay: 30 * time.Second,
	}
}

func DefaultMarkerConfig() MarkerConfig {
	return MarkerConfig{
		StreamName:   "CTBicControl",
		MaxBufferedS: 360,
	}
}

func DefaultRecordingConfig() RecordingConfig {
	return RecordingConfig{
		Enabled:     true,
		Format:      "csv",
		Dir:         "recordings",
		PatientID:   "X",
		PhysicalMin: -1000,
		PhysicalMax: 1000,
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    0, // websocket streams are long-lived
		ShutdownTimeout: 5 * time.Second,
		StimRateLimit:   2,
		StimBurst:       1,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   true,
		Namespace: "ctbic",
	}
}
