// =============================================================================
// CONFIG LOADER
// =============================================================================
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CTBIC").
//	    Load()
//
// Precedence: defaults → YAML file → environment (CTBIC_CONTROL_THRESHOLD=...)
// → validators.
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ct-bic/internal/device"
)

// Config is the complete ct-bic configuration.
type Config struct {
	Stream    StreamConfig    `yaml:"stream" env:"STREAM"`
	Device    DeviceConfig    `yaml:"device" env:"DEVICE"`
	Control   ControlConfig   `yaml:"control" env:"CONTROL"`
	Marker    MarkerConfig    `yaml:"marker" env:"MARKER"`
	Recording RecordingConfig `yaml:"recording" env:"RECORDING"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Metrics   MetricsConfig   `yaml:"metrics" env:"METRICS"`
}

// StreamConfig is the republished acquisition stream.
type StreamConfig struct {
	Name         string  `yaml:"name" env:"NAME"`
	Type         string  `yaml:"type" env:"TYPE"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	ChannelCount int     `yaml:"channel_count" env:"CHANNEL_COUNT"`
	// Ring buffer length in seconds.
	BufferSizeS float64 `yaml:"buffer_size_s" env:"BUFFER_SIZE_S"`
	// How far a stream client may lag before frames are dropped for it.
	MaxBufferedS float64 `yaml:"max_buffered_s" env:"MAX_BUFFERED_S"`
}

// DeviceConfig selects and parameterises the acquisition device.
type DeviceConfig struct {
	// simulator | replay
	Kind       string `yaml:"kind" env:"KIND"`
	ReplayPath string `yaml:"replay_path" env:"REPLAY_PATH"`
	ReplayLoop bool   `yaml:"replay_loop" env:"REPLAY_LOOP"`
	// Empty means global reference.
	RefChannels []int `yaml:"ref_channels" env:"-"`
	// 39.5dB | 57.5dB
	Amplification     string        `yaml:"amplification" env:"AMPLIFICATION"`
	UseGround         bool          `yaml:"use_ground" env:"USE_GROUND"`
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
	DropEvery         int           `yaml:"drop_every" env:"DROP_EVERY"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval" env:"TELEMETRY_INTERVAL"`

	Pulse device.PulseParams `yaml:"pulse" env:"PULSE"`
}

// ControlConfig is the threshold trigger and its monitored stream.
type ControlConfig struct {
	StreamName   string  `yaml:"stream_name" env:"STREAM_NAME"`
	SourceURL    string  `yaml:"source_url" env:"SOURCE_URL"`
	ChannelCount int     `yaml:"channel_count" env:"CHANNEL_COUNT"`
	BufferSizeS  float64 `yaml:"buffer_size_s" env:"BUFFER_SIZE_S"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`

	Channel      int           `yaml:"channel" env:"CHANNEL"`
	Threshold    float64       `yaml:"threshold" env:"THRESHOLD"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	GracePeriod  time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	// busy | sleep
	PollPolicy string `yaml:"poll_policy" env:"POLL_POLICY"`

	// Reconnect after the monitored stream is lost.
	Relisten         bool          `yaml:"relisten" env:"RELISTEN"`
	RelistenMaxDelay time.Duration `yaml:"relisten_max_delay" env:"RELISTEN_MAX_DELAY"`
}

// MarkerConfig is the controller's marker stream.
type MarkerConfig struct {
	StreamName   string  `yaml:"stream_name" env:"STREAM_NAME"`
	MaxBufferedS float64 `yaml:"max_buffered_s" env:"MAX_BUFFERED_S"`
}

// RecordingConfig is the on-disk session recorder.
type RecordingConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// csv | edf
	Format      string  `yaml:"format" env:"FORMAT"`
	Dir         string  `yaml:"dir" env:"DIR"`
	PatientID   string  `yaml:"patient_id" env:"PATIENT_ID"`
	PhysicalMin float64 `yaml:"physical_min" env:"PHYSICAL_MIN"`
	PhysicalMax float64 `yaml:"physical_max" env:"PHYSICAL_MAX"`
}

// ServerConfig is the HTTP command and stream server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Manual STIM commands per second, and burst. 0 disables the limit.
	StimRateLimit float64 `yaml:"stim_rate_limit" env:"STIM_RATE_LIMIT"`
	StimBurst     int     `yaml:"stim_burst" env:"STIM_BURST"`
}

// LogConfig configures the zap root logger.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json, console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// LOADER
// =============================================================================

// Loader builds a Config (builder style).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CTBIC",
		validators: make([]func(*Config) error, 0),
	}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a check run after loading. Validate is not run
// implicitly; pass (*Config).Validate here to enforce it.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, the YAML file (a missing file is not an error),
// the environment and the validators, in that order.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct; nested structs extend the prefix.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated string lists only
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Stream.Name == "" {
		add("stream.name must not be empty")
	}
	if c.Stream.SampleRate <= 0 {
		add("stream.sample_rate must be positive, got %v", c.Stream.SampleRate)
	}
	if c.Stream.ChannelCount <= 0 {
		add("stream.channel_count must be positive, got %d", c.Stream.ChannelCount)
	}
	if c.Stream.BufferSizeS <= 0 {
		add("stream.buffer_size_s must be positive, got %v", c.Stream.BufferSizeS)
	}

	switch c.Device.Kind {
	case "simulator":
	case "replay":
		if c.Device.ReplayPath == "" {
			add("device.replay_path is required for the replay device")
		}
	default:
		add("device.kind must be simulator or replay, got %q", c.Device.Kind)
	}
	if _, err := c.Device.ParseAmplification(); err != nil {
		errs = append(errs, err)
	}
	if c.Device.BatchSize <= 0 {
		add("device.batch_size must be positive, got %d", c.Device.BatchSize)
	}

	if c.Control.StreamName == "" {
		add("control.stream_name must not be empty")
	}
	if c.Control.Channel < 0 || c.Control.Channel >= c.Control.ChannelCount {
		add("control.channel %d out of range for %d channels", c.Control.Channel, c.Control.ChannelCount)
	}
	if c.Control.PollInterval <= 0 {
		add("control.poll_interval must be positive, got %s", c.Control.PollInterval)
	}
	if c.Control.GracePeriod < 0 {
		add("control.grace_period must not be negative, got %s", c.Control.GracePeriod)
	}
	if c.Control.BufferSizeS <= 0 {
		add("control.buffer_size_s must be positive, got %v", c.Control.BufferSizeS)
	}
	if c.Control.SampleRate <= 0 {
		add("control.sample_rate must be positive, got %v", c.Control.SampleRate)
	}
	if c.Control.Relisten && c.Control.RelistenMaxDelay <= 0 {
		add("control.relisten_max_delay must be positive when relisten is on")
	}
	if c.Control.PollPolicy != "busy" && c.Control.PollPolicy != "sleep" {
		add("control.poll_policy must be busy or sleep, got %q", c.Control.PollPolicy)
	}

	if c.Marker.StreamName == "" {
		add("marker.stream_name must not be empty")
	}
	if c.Marker.StreamName == c.Stream.Name {
		add("marker.stream_name must differ from stream.name")
	}

	if c.Recording.Enabled {
		if c.Recording.Format != "csv" && c.Recording.Format != "edf" {
			add("recording.format must be csv or edf, got %q", c.Recording.Format)
		}
		if c.Recording.Dir == "" {
			add("recording.dir must not be empty")
		}
	}

	if c.Server.StimRateLimit < 0 || c.Server.StimBurst < 0 {
		add("server.stim_rate_limit and server.stim_burst must not be negative")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}

	return errors.Join(errs...)
}

// ParseAmplification maps the configured string to the device enum.
func (d DeviceConfig) ParseAmplification() (device.Amplification, error) {
	switch d.Amplification {
	case "39.5dB":
		return device.Amplification39_5dB, nil
	case "57.5dB":
		return device.Amplification57_5dB, nil
	}
	return 0, fmt.Errorf("device.amplification must be 39.5dB or 57.5dB, got %q", d.Amplification)
}

// MustLoad loads path or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}
