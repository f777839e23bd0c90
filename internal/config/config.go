// Package config handles smokefan configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given: ./config.yaml,
// ~/.config/smokefan/config.yaml, /etc/smokefan/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smokefan", "config.yaml"))
	}

	paths = append(paths, "/etc/smokefan/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of [DefaultSearchPaths] is
// returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all smokefan configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default), json or console
	Device    DeviceConfig   `yaml:"device"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Hardware  HardwareConfig `yaml:"hardware"`
	Sensor    SensorConfig   `yaml:"sensor"`
	Control   ControlConfig  `yaml:"control"`
	Loop      LoopConfig     `yaml:"loop"`
	Status    StatusConfig   `yaml:"status"`
}

// DeviceConfig controls how the unit identifies itself.
type DeviceConfig struct {
	// ID overrides the hardware-derived identity. Leave empty on real
	// hardware; useful when /etc/machine-id is shared between images.
	ID string `yaml:"id"`
}

// MQTTConfig defines the broker connection and topic namespace.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://, mqtts://, ws:// or wss:// URL
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// TopicPrefix is the fixed domain prefix of every topic.
	TopicPrefix string `yaml:"topic_prefix"`
	// DeviceClass is the fixed segment after the prefix when
	// PerDeviceTopics is false.
	DeviceClass string `yaml:"device_class"`
	// PerDeviceTopics replaces DeviceClass with the device identity so
	// several units can share a broker.
	PerDeviceTopics bool `yaml:"per_device_topics"`

	// QoS applies to subscriptions and publishes. Defaults to 1 when
	// absent; an explicit 0 is kept.
	QoS           byte          `yaml:"qos"`
	KeepAliveSec  int           `yaml:"keepalive_sec"`
	ConnectWait   time.Duration `yaml:"connect_wait"`
	InboxSize     int           `yaml:"inbox_size"`
	RateLimit     int           `yaml:"rate_limit"` // inbound messages per RateInterval
	RateInterval  time.Duration `yaml:"rate_interval"`
	DisconnectTTL time.Duration `yaml:"disconnect_timeout"`
}

// Configured reports whether a broker URL is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// HardwareConfig selects the board driver and pin assignments.
type HardwareConfig struct {
	// Driver is "gpiocdev" for a Linux GPIO character device with an
	// IIO ADC, or "fake" for a desktop run without hardware.
	Driver string `yaml:"driver"`
	// Chip is the GPIO character device, e.g. gpiochip0.
	Chip string `yaml:"chip"`
	// ADCDevice is the IIO device directory holding in_voltageN_raw.
	ADCDevice string `yaml:"adc_device"`

	// Pins are GPIO line offsets; 0 is a real line. For the two inputs
	// -1 is the only value that disables them.

	// ButtonPin is the local toggle button input. -1 disables it.
	ButtonPin int `yaml:"button_pin"`
	RelayPin  int `yaml:"relay_pin"`
	LEDPin    int `yaml:"led_pin"`
	// RelayFeedbackPin is an input wired to the relay coil. A falling
	// edge on it announces a state change nobody requested. -1
	// disables it.
	RelayFeedbackPin int `yaml:"relay_feedback_pin"`
	// SensorChannel is the ADC channel the MQ-2 is wired to.
	SensorChannel int `yaml:"sensor_channel"`
	// Debounce filters button bounce on edge-watched inputs.
	Debounce time.Duration `yaml:"debounce"`
	// FakeRaw is the constant sample the fake ADC returns.
	FakeRaw int `yaml:"fake_raw"`
}

// SensorConfig holds the MQ-2 model constants.
type SensorConfig struct {
	LoadResistanceKOhm  float64       `yaml:"load_resistance_kohm"`
	ADCMax              int           `yaml:"adc_max"`
	CleanAirFactor      float64       `yaml:"clean_air_factor"`
	Curve               []float64     `yaml:"curve"` // [x0, slope, intercept]
	CalibrationSamples  int           `yaml:"calibration_samples"`
	CalibrationInterval time.Duration `yaml:"calibration_interval"`
	MeasureSamples      int           `yaml:"measure_samples"`
	MeasureInterval     time.Duration `yaml:"measure_interval"`
}

// ControlConfig holds the control policy settings.
type ControlConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// LoopConfig tunes the main loop.
type LoopConfig struct {
	// PollInterval bounds the time between sensor readings when no
	// MQTT traffic arrives. Zero waits for messages indefinitely.
	PollInterval time.Duration `yaml:"poll_interval"`
	// InterruptQueue is the capacity of the button/relay event queue.
	InterruptQueue int `yaml:"interrupt_queue"`
}

// StatusConfig enables the read-only HTTP status server.
type StatusConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8089"; empty disables
}

// Configured reports whether the status server should start.
func (c StatusConfig) Configured() bool {
	return c.Listen != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := newConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and the
// fake hardware driver selected.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig presets the fields for which zero is a meaningful setting,
// so the YAML decoder only overwrites them when they are present.
func newConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{QoS: 1},
		Hardware: HardwareConfig{
			ButtonPin:        0,
			RelayPin:         12,
			LEDPin:           13,
			RelayFeedbackPin: -1,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	m := &c.MQTT
	if m.TopicPrefix == "" {
		m.TopicPrefix = "homeassistant/switch"
	}
	if m.DeviceClass == "" {
		m.DeviceClass = "fan"
	}
	if m.KeepAliveSec == 0 {
		m.KeepAliveSec = 30
	}
	if m.ConnectWait == 0 {
		m.ConnectWait = 30 * time.Second
	}
	if m.InboxSize == 0 {
		m.InboxSize = 32
	}
	if m.RateLimit == 0 {
		m.RateLimit = 100
	}
	if m.RateInterval == 0 {
		m.RateInterval = 10 * time.Second
	}
	if m.DisconnectTTL == 0 {
		m.DisconnectTTL = 5 * time.Second
	}

	h := &c.Hardware
	if h.Driver == "" {
		h.Driver = "fake"
	}
	if h.Chip == "" {
		h.Chip = "gpiochip0"
	}
	if h.ADCDevice == "" {
		h.ADCDevice = "/sys/bus/iio/devices/iio:device0"
	}
	if h.Debounce == 0 {
		h.Debounce = 20 * time.Millisecond
	}
	if h.FakeRaw == 0 {
		h.FakeRaw = 100
	}

	s := &c.Sensor
	if s.LoadResistanceKOhm == 0 {
		s.LoadResistanceKOhm = 5.0
	}
	if s.ADCMax == 0 {
		s.ADCMax = 1023
	}
	if s.CleanAirFactor == 0 {
		s.CleanAirFactor = 9.83
	}
	if len(s.Curve) == 0 {
		s.Curve = []float64{2.3, 0.53, -0.44}
	}
	if s.CalibrationSamples == 0 {
		s.CalibrationSamples = 50
	}
	if s.CalibrationInterval == 0 {
		s.CalibrationInterval = 500 * time.Millisecond
	}
	if s.MeasureSamples == 0 {
		s.MeasureSamples = 5
	}
	if s.MeasureInterval == 0 {
		s.MeasureInterval = 50 * time.Millisecond
	}

	if c.Control.Threshold == 0 {
		c.Control.Threshold = 1200
	}

	if c.Loop.InterruptQueue == 0 {
		c.Loop.InterruptQueue = 16
	}
}

// Validate checks the configuration for values the controller cannot
// run with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json, console)", c.LogFormat))
	}

	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range 0-2", c.MQTT.QoS))
	}
	if c.MQTT.InboxSize < 1 {
		errs = append(errs, fmt.Errorf("mqtt.inbox_size must be positive"))
	}
	if c.MQTT.RateLimit < 1 {
		errs = append(errs, fmt.Errorf("mqtt.rate_limit must be positive"))
	}
	if c.MQTT.RateInterval <= 0 {
		errs = append(errs, fmt.Errorf("mqtt.rate_interval must be positive"))
	}
	if c.MQTT.KeepAliveSec < 0 {
		errs = append(errs, fmt.Errorf("mqtt.keepalive_sec must not be negative"))
	}
	if c.MQTT.ConnectWait < 0 {
		errs = append(errs, fmt.Errorf("mqtt.connect_wait must not be negative"))
	}
	if c.MQTT.DisconnectTTL < 0 {
		errs = append(errs, fmt.Errorf("mqtt.disconnect_timeout must not be negative"))
	}

	switch c.Hardware.Driver {
	case "fake", "gpiocdev":
	default:
		errs = append(errs, fmt.Errorf("hardware.driver %q (valid: fake, gpiocdev)", c.Hardware.Driver))
	}
	errs = append(errs, c.Hardware.validatePins()...)
	if c.Hardware.Debounce < 0 {
		errs = append(errs, fmt.Errorf("hardware.debounce must not be negative"))
	}
	if c.Hardware.SensorChannel < 0 {
		errs = append(errs, fmt.Errorf("hardware.sensor_channel must not be negative"))
	}

	s := c.Sensor
	if len(s.Curve) != 3 {
		errs = append(errs, fmt.Errorf("sensor.curve needs exactly 3 values [x0, slope, intercept], got %d", len(s.Curve)))
	} else if s.Curve[2] == 0 {
		errs = append(errs, fmt.Errorf("sensor.curve intercept must not be zero"))
	}
	if s.LoadResistanceKOhm <= 0 || s.CleanAirFactor <= 0 {
		errs = append(errs, fmt.Errorf("sensor.load_resistance_kohm and sensor.clean_air_factor must be positive"))
	}
	if s.ADCMax < 1 {
		errs = append(errs, fmt.Errorf("sensor.adc_max must be positive"))
	}
	if s.CalibrationSamples < 1 || s.MeasureSamples < 1 {
		errs = append(errs, fmt.Errorf("sensor sample counts must be positive"))
	}

	if math.IsNaN(c.Control.Threshold) || math.IsInf(c.Control.Threshold, 0) {
		errs = append(errs, fmt.Errorf("control.threshold must be finite"))
	}
	if c.Loop.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("loop.poll_interval must not be negative"))
	}

	return errors.Join(errs...)
}

// validatePins checks that the outputs are real lines, the inputs are
// lines or -1, and no line is claimed twice.
func (h HardwareConfig) validatePins() []error {
	pins := []struct {
		name     string
		pin      int
		optional bool
	}{
		{"relay_pin", h.RelayPin, false},
		{"led_pin", h.LEDPin, false},
		{"button_pin", h.ButtonPin, true},
		{"relay_feedback_pin", h.RelayFeedbackPin, true},
	}

	var errs []error
	owner := make(map[int]string, len(pins))
	for _, p := range pins {
		switch {
		case p.optional && p.pin == -1:
			continue
		case p.pin < 0:
			errs = append(errs, fmt.Errorf("hardware.%s %d must not be negative", p.name, p.pin))
			continue
		}
		if prev, ok := owner[p.pin]; ok {
			errs = append(errs, fmt.Errorf("hardware.%s and hardware.%s are both %d", prev, p.name, p.pin))
			continue
		}
		owner[p.pin] = p.name
	}
	return errs
}
